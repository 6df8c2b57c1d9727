package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallDecodesSuccessEnvelope(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"result": "success",
			"data":   map[string]interface{}{"event_id": 42},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1")
	res, err := c.FileEventCreate(context.Background(), "ev-uuid", "", "folder-uuid", "file.txt", "H", 11)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(42), res.ServerEventID)

	assert.Equal(t, "/file_event_create", gotPath)
	assert.Equal(t, "file.txt", gotBody["file_name"])
	assert.Equal(t, "folder-uuid", gotBody["folder_uuid"])
	assert.Equal(t, float64(11), gotBody["file_size"])
	assert.Equal(t, "key-1", gotBody["auth_key"])
}

func TestCallDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"result":  "error",
			"errcode": "COLLABORATION_ACCESS",
			"error_data": map[string]interface{}{
				"folder": "shared",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	res, err := c.FolderEventDelete(context.Background(), "ev-uuid", "folder-uuid", 7)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "COLLABORATION_ACCESS", res.ErrCode)
	assert.Equal(t, "shared", res.ErrorData["folder"])
}

func TestCallTransportError(t *testing.T) {
	c := New("http://127.0.0.1:1", "")
	_, err := c.FileEventDelete(context.Background(), "ev", "file", 1)
	require.Error(t, err)
}
