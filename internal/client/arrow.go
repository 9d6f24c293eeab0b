package client

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names of score exchange records.
const (
	ColumnID    = "id"
	ColumnImage = "image"
	ColumnScore = "score"
)

// ScoreSchema is the schema of scored records: one id and one score per image.
var ScoreSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColumnID, Type: arrow.BinaryTypes.String},
		{Name: ColumnScore, Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

// ImageSchema is the schema of records carrying encoded images to score.
var ImageSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: ColumnID, Type: arrow.BinaryTypes.String},
		{Name: ColumnImage, Type: arrow.BinaryTypes.Binary},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches for scores and images.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildScoreRecord pairs ids with scores. It returns nil for empty input.
func (b *RecordBatchBuilder) BuildScoreRecord(ids []string, scores []float32) (arrow.RecordBatch, error) {
	if len(ids) != len(scores) {
		return nil, fmt.Errorf("%d ids for %d scores", len(ids), len(scores))
	}
	if len(scores) == 0 {
		return nil, nil
	}

	idBuilder := array.NewStringBuilder(b.mem)
	defer idBuilder.Release()
	idBuilder.AppendValues(ids, nil)

	scoreBuilder := array.NewFloat32Builder(b.mem)
	defer scoreBuilder.Release()
	scoreBuilder.AppendValues(scores, nil)

	cols := []arrow.Array{idBuilder.NewArray(), scoreBuilder.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(ScoreSchema, cols, int64(len(scores))), nil
}

// BuildImageRecord pairs ids with encoded images. It returns nil for empty input.
func (b *RecordBatchBuilder) BuildImageRecord(ids []string, images [][]byte) (arrow.RecordBatch, error) {
	if len(ids) != len(images) {
		return nil, fmt.Errorf("%d ids for %d images", len(ids), len(images))
	}
	if len(images) == 0 {
		return nil, nil
	}

	idBuilder := array.NewStringBuilder(b.mem)
	defer idBuilder.Release()
	idBuilder.AppendValues(ids, nil)

	imgBuilder := array.NewBinaryBuilder(b.mem, arrow.BinaryTypes.Binary)
	defer imgBuilder.Release()
	imgBuilder.AppendValues(images, nil)

	cols := []arrow.Array{idBuilder.NewArray(), imgBuilder.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(ImageSchema, cols, int64(len(images))), nil
}

// ReadImages extracts the image column of rec and its ids. Records without an
// id column get their row numbers, offset by base, as ids.
func ReadImages(rec arrow.RecordBatch, base int) ([]string, [][]byte, error) {
	indices := rec.Schema().FieldIndices(ColumnImage)
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("record has no %q column", ColumnImage)
	}

	n := int(rec.NumRows())
	images := make([][]byte, n)
	switch col := rec.Column(indices[0]).(type) {
	case *array.Binary:
		for i := 0; i < n; i++ {
			images[i] = col.Value(i)
		}
	case *array.LargeBinary:
		for i := 0; i < n; i++ {
			images[i] = col.Value(i)
		}
	default:
		return nil, nil, fmt.Errorf("column %q has type %s, want binary", ColumnImage, col.DataType())
	}

	ids := make([]string, n)
	if idx := rec.Schema().FieldIndices(ColumnID); len(idx) > 0 {
		col, ok := rec.Column(idx[0]).(*array.String)
		if !ok {
			return nil, nil, fmt.Errorf("column %q must be utf8", ColumnID)
		}
		for i := 0; i < n; i++ {
			ids[i] = col.Value(i)
		}
	} else {
		for i := range ids {
			ids[i] = strconv.Itoa(base + i)
		}
	}
	return ids, images, nil
}
