// Package myspa loads MySpa spreadsheet exports dropped into object storage.
package myspa

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/xuri/excelize/v2"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

const (
	Namespace = "myspa"

	EntityCustomer = "customer"
	EntityOrder    = "order"
	EntityLevel    = "level"

	orderTimeLayout = "02/01/2006 15:04:05"
)

// ObjectEvent is the object-finalize notification of an upload
type ObjectEvent struct {
	Bucket string `json:"bucket" validate:"required"`
	Name   string `json:"name" validate:"required"`
}

// Result reports what an event loaded
type Result struct {
	Entity  string `json:"entity,omitempty"`
	Rows    int64  `json:"rows"`
	Skipped bool   `json:"skipped"`
}

// entity describes how one export is shaped before the upsert
type entity struct {
	name string
	key  string
	// columns renames export headers; unlisted headers are dropped unless keepOthers
	columns    [][2]string
	keepOthers bool
	cast       func(f *frame.Frame) error
}

var entities = map[string]entity{
	EntityCustomer: {
		name:       EntityCustomer,
		key:        "ma_khach_hang",
		keepOthers: true,
		columns: [][2]string{
			{"Mã khách hàng", "ma_khach_hang"},
			{"Họ tên", "ho_ten"},
			{"Số điện thoại", "so_dien_thoai"},
			{"Email", "email"},
			{"Ngày sinh", "ngay_sinh"},
			{"Giới tính", "gioi_tinh"},
			{"Địa chỉ", "dia_chi"},
			{"Phường/Xã", "phuong_xa"},
			{"Quận/Huyện", "quan_huyen"},
			{"Tỉnh thành", "tinh_thanh"},
			{"Nhóm KH", "nhom_kh"},
			{"Nguồn KH", "nguon_kh"},
			{"Ngày tham gia", "ngay_tham_gia"},
			{"Dịch vụ đã sử dụng", "dich_vu_da_su_dung"},
			{"Ngày sử dụng dịch vụ", "ngay_su_dung_dich_vu"},
			{"Tổng tiền", "tong_tien"},
			{"Nghề nghiệp", "nghe_nghiep"},
			{"Mã giới thiệu", "ma_gioi_thieu"},
			{"NV liên hệ", "nv_lien_he"},
			{"NV phụ trách", "nv_phu_trach"},
			{"Dịch vụ quan tâm", "dich_vu_quan_tam"},
			{"Được tạo bởi", "duoc_tao_boi"},
			{"Chi nhánh", "chi_nhanh"},
		},
	},
	EntityOrder: {
		name: EntityOrder,
		key:  "ma_don_hang",
		columns: [][2]string{
			{"Mã đơn hàng", "ma_don_hang"},
			{"Ngày giờ", "ngay_gio"},
			{"Mã khách hàng", "ma_khach_hang"},
			{"Khách hàng", "khach_hang"},
			{"Email", "email"},
			{"Điện thoại", "dien_thoai"},
			{"Địa chỉ", "dia_chi"},
			{"Nguồn KH", "nguon_kh"},
			{"Mã DV/SP 2", "ma_dv_sp_2"},
			{"Mã DV/SP", "ma_dv_sp"},
			{"Tên sản phẩm", "ten_san_pham"},
			{"Nhóm DV/SP", "nhom_dv_sp"},
			{"SL", "sl"},
			{"Số buổi LT", "so_buoi_lt"},
			{"Giá DV/SP", "gia_dv_sp"},
			{"Chiết khấu DV/SP", "chiet_khau_dv_sp"},
			{"Thành tiền DV/SP", "thanh_tien_dv_sp"},
			{"Giá ĐH/TLT", "gia_dh_tlt"},
			{"Chiết khấu ĐH/TLT", "chiet_khau_dh_tlt"},
			{"VAT", "vat"},
			{"Thành tiền ĐH/TLT", "thanh_tien_dh_tlt"},
		},
		cast: func(f *frame.Frame) error {
			return f.CastTime("ngay_gio", orderTimeLayout)
		},
	},
	EntityLevel: {
		name: EntityLevel,
		key:  "ma_khach_hang",
		columns: [][2]string{
			{"Họ tên", "ho_ten"},
			{"Số điện thoại", "so_dien_thoai"},
			{"Email", "email"},
			{"Mã khách hàng", "ma_khach_hang"},
			{"Hạng", "hang"},
			{"Số tiền chi tiêu", "so_tien_chi_tieu"},
			{"Chi nhánh", "chi_nhanh"},
		},
	},
}

// Route returns the entity an object key is loaded as
func Route(key string) (string, bool) {
	if !strings.EqualFold(path.Ext(key), ".xlsx") {
		return "", false
	}
	prefix, _, found := strings.Cut(key, "/")
	if !found {
		return "", false
	}
	if _, ok := entities[prefix]; !ok {
		return "", false
	}
	return prefix, true
}

// Processor loads uploaded exports into myspa.<entity>
type Processor struct {
	store     objectstore.Store
	warehouse *warehouse.Warehouse
	logger    ectologger.Logger
}

func NewProcessor(store objectstore.Store, wh *warehouse.Warehouse, logger ectologger.Logger) *Processor {
	return &Processor{store: store, warehouse: wh, logger: logger}
}

// Handle loads the object of evt; keys outside the known prefixes are skipped.
func (p *Processor) Handle(ctx context.Context, evt ObjectEvent) (*Result, error) {
	log := p.logger.WithContext(ctx).WithFields(map[string]any{"bucket": evt.Bucket, "object": evt.Name})
	name, ok := Route(evt.Name)
	if !ok {
		log.Debug("Skip")
		return &Result{Skipped: true}, nil
	}
	log.Infof("Processing file: %s", evt.Name)

	data, err := p.store.Get(ctx, evt.Bucket, evt.Name)
	if err != nil {
		return nil, err
	}
	ent := entities[name]
	f, err := ReadWorkbook(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", evt.Name, err)
	}
	if err := ent.shape(f); err != nil {
		return nil, fmt.Errorf("%s: %w", evt.Name, err)
	}
	if f.Empty() {
		log.Debug("The DataFrame has no data rows. Skip")
		return &Result{Entity: name}, nil
	}

	n, err := p.warehouse.Upsert(ctx, warehouse.CuratedTable(Namespace, name), []string{ent.key}, f)
	if err != nil {
		return nil, err
	}
	return &Result{Entity: name, Rows: n}, nil
}

func (e entity) shape(f *frame.Frame) error {
	names := make(map[string]string, len(e.columns))
	headers := make([]string, 0, len(e.columns))
	var missing []string
	for _, c := range e.columns {
		names[c[0]] = c[1]
		if f.HasColumn(c[0]) {
			headers = append(headers, c[0])
		} else if !e.keepOthers {
			missing = append(missing, c[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("export is missing columns %s", strings.Join(missing, ", "))
	}
	if !e.keepOthers {
		f.Select(headers...)
	}
	f.Rename(names).CleanColumnNames()
	if !f.HasColumn(e.key) {
		return fmt.Errorf("export has no %s column", e.key)
	}
	f.DropBlank(e.key)
	if e.cast != nil {
		if err := e.cast(f); err != nil {
			return err
		}
	}
	f.DedupeLast(e.key)
	return nil
}

// ReadWorkbook reads the first sheet of an xlsx file, using its first row as header
func ReadWorkbook(data []byte) (*frame.Frame, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return frame.New(), nil
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return frame.New(), nil
	}

	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = make([]any, len(r))
		for j, cell := range r {
			values[i][j] = cell
		}
	}
	return frame.FromSheet(values[0], values[1:]), nil
}
