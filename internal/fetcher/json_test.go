package fetcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONArray(t *testing.T) {
	input := `[{"transaction_id":"t1","total_amount":1299.90},{"transaction_id":"t2","total_amount":-5}]`
	itemCh, errCh := DecodeJSONArray[map[string]any](context.Background(), strings.NewReader(input))

	var items []map[string]any
	for it := range itemCh {
		items = append(items, it)
	}
	require.NoError(t, <-errCh)
	require.Len(t, items, 2)
	assert.Equal(t, json.Number("1299.90"), items[0]["total_amount"])
	assert.Equal(t, json.Number("-5"), items[1]["total_amount"])
}

func TestDecodeJSONArray_EmptyInput(t *testing.T) {
	itemCh, errCh := DecodeJSONArray[map[string]any](context.Background(), strings.NewReader(""))
	for range itemCh {
		t.Fatal("unexpected item")
	}
	assert.NoError(t, <-errCh)
}

func TestDecodeJSONArray_NotAnArray(t *testing.T) {
	itemCh, errCh := DecodeJSONArray[map[string]any](context.Background(), strings.NewReader(`{"a":1}`))
	for range itemCh {
	}
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")
}
