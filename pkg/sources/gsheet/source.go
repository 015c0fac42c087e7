package gsheet

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

const (
	Namespace = "gsheet"

	TableExternalFacebook = "ttc_external_facebook"
	TableSurvey           = "ttc_survey"

	// KeyColumn is the phone number both sheets are keyed on
	KeyColumn = "sdt"
)

// column maps a sheet header to a warehouse column
type column struct {
	header, name string
}

// sheet describes where a table is read from and how its rows are typed
type sheet struct {
	table         string
	spreadsheetID string
	rangeA1       string
	unformatted   bool
	columns       []column
	cast          func(f *frame.Frame) error
}

type Deps struct {
	Reader    Reader
	Warehouse *warehouse.Warehouse
	// FacebookSpreadsheetID holds the external facebook leads
	FacebookSpreadsheetID string
	SurveySpreadsheetID   string
}

type Source struct {
	Deps
	logger ectologger.Logger
}

func New(deps Deps, logger ectologger.Logger) *Source {
	return &Source{Deps: deps, logger: logger}
}

// Tables load in a single extract stage that upserts straight into the curated table.
func (s *Source) Tables() []*pipeline.Table {
	sheets := []sheet{s.externalFacebook(), s.survey()}
	tables := make([]*pipeline.Table, len(sheets))
	for i, sh := range sheets {
		tables[i] = &pipeline.Table{
			Namespace: Namespace,
			Name:      sh.table,
			Extract:   s.extract(sh),
		}
	}
	return tables
}

func (s *Source) externalFacebook() sheet {
	return sheet{
		table:         TableExternalFacebook,
		spreadsheetID: s.FacebookSpreadsheetID,
		rangeA1:       "'2025'!A3:M",
		columns: []column{
			{"STT (*)", "stt"},
			{"Ngày input (*)\n(dd/mm/yyyy)", "ngay_input"},
			{"CSKH (*)", "cskh"},
			{"Họ và tên KH (*)", "ho_va_ten_kh"},
			{"SĐT (*)", "sdt"},
			{"Năm sinh (nếu có)", "nam_sinh"},
			{"Nguồn lead từ (*)", "nguon_lead"},
			{"Nhóm dịch vụ quan tâm (*)", "nhom_dich_vu_quan_tam"},
			{"Tên dịch vụ quan tâm (*)", "ten_dich_vu_quan_tam"},
			{"Lead type (*)", "lead_type"},
			{"Khách hàng status (*)", "khach_hang_status"},
			{"Tình trạng tư vấn (*)", "tinh_trang_tu_van"},
			{"Note", "note"},
		},
		cast: func(f *frame.Frame) error {
			return f.CastTime("ngay_input", "02/01/2006")
		},
	}
}

func (s *Source) survey() sheet {
	return sheet{
		table:         TableSurvey,
		spreadsheetID: s.SurveySpreadsheetID,
		rangeA1:       "'Tổng hợp'!A2:M",
		unformatted:   true,
		columns: []column{
			{"No", "no"},
			{"Dấu thời gian", "dau_thoi_gian"},
			{"Tên khách hàng", "ten_khach_hang"},
			{"SĐT Quý khách", "sdt"},
			{"Cơ sở vật chất & không gian tại TTCLINIC\n(Mức độ hài lòng về máy móc, trang thiết bị, không gian trị liệu, mùi hương & sự sạch sẽ, chỉn chu của TTCLINIC khi đón tiếp quý khách hàng)", "co_so_vat_chat"},
			{"Chất lượng tư vấn, chăm sóc, điều trị trước trong và sau điều trị của khách hàng tại TTCLINIC\n(Mức độ hài lòng của khách hàng với đội ngũ nhân viên của phòng khám)", "chat_luong_tu_van"},
			{"Chất lượng dịch vụ tại TTCLINIC\n(Mức độ hài lòng của khách hàng trong quá trình thực hiện dịch vụ tại phòng khám)", "chat_luong_dich_vu"},
			{"Mình có sẵn sàng giới thiệu TTCLINIC cho bạn bè người thân không?", "san_sang_gioi_thieu"},
			{"Quý khách biết biết tới TTCLINIC qua phương tiện nào?", "hieu_biet_qua"},
			{"Ý kiến đóng góp của bạn dành cho TTCLINIC", "y_kien"},
			{"Nhân sự", "nhan_su"},
			{"PiC", "pic"},
			{"Note", "note"},
		},
		cast: func(f *frame.Frame) error {
			f.CastString("sdt").SerialDays("dau_thoi_gian")
			return nil
		},
	}
}

func (s *Source) extract(sh sheet) pipeline.StageFunc {
	return func(ctx context.Context, _ pipeline.RunConfig) (pipeline.StageResult, error) {
		log := s.logger.WithContext(ctx)
		if sh.spreadsheetID == "" {
			return pipeline.StageResult{}, fmt.Errorf("no spreadsheet configured for %s", sh.table)
		}

		f, err := s.read(ctx, sh)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		if f.Empty() {
			log.Debugf("Sheet %s has no rows", sh.table)
			return pipeline.Result(0, false), nil
		}
		log.Debugf("The DataFrame has %d rows.", f.Len())

		n, err := s.Warehouse.Upsert(ctx, warehouse.CuratedTable(Namespace, sh.table), []string{KeyColumn}, f)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		return pipeline.Result(int(n), n > 0), nil
	}
}

// read returns the sheet rows with warehouse column names, keyed rows only
func (s *Source) read(ctx context.Context, sh sheet) (*frame.Frame, error) {
	values, err := s.Reader.Values(ctx, sh.spreadsheetID, sh.rangeA1, sh.unformatted)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return frame.New(), nil
	}

	f := frame.FromSheet(values[0], values[1:])
	var missing []string
	headers := make([]string, len(sh.columns))
	names := make(map[string]string, len(sh.columns))
	for i, c := range sh.columns {
		if !f.HasColumn(c.header) {
			missing = append(missing, c.header)
		}
		headers[i] = c.header
		names[c.header] = c.name
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("sheet %s is missing columns %q", sh.table, strings.Join(missing, ", "))
	}

	f.Select(headers...).Rename(names).DropBlank(KeyColumn)
	if err := sh.cast(f); err != nil {
		return nil, fmt.Errorf("sheet %s: %w", sh.table, err)
	}
	return f.DedupeLast(KeyColumn), nil
}
