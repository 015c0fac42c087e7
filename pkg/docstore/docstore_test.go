package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNormalize(t *testing.T) {
	at := time.Date(2024, 6, 2, 17, 0, 0, 0, time.UTC)
	oid := primitive.NewObjectID()

	got := Normalize(bson.M{
		"_id":     oid,
		"created": primitive.NewDateTimeFromTime(at),
		"Inventories": bson.A{
			bson.D{{Key: "BranchId", Value: "b1"}, {Key: "Quantity", Value: int32(3)}},
		},
		"nested": bson.M{"a": bson.A{"x"}},
	}).(map[string]any)

	assert.Equal(t, oid.Hex(), got["_id"])
	assert.Equal(t, at, got["created"])

	inventories := got["Inventories"].([]any)
	first := inventories[0].(map[string]any)
	assert.Equal(t, "b1", first["BranchId"])
	assert.Equal(t, int32(3), first["Quantity"])

	nested := got["nested"].(map[string]any)
	assert.Equal(t, []any{"x"}, nested["a"])
}
