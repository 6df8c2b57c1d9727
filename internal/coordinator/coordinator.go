// Package coordinator is the REST client for the central coordinator
// (spec §6): one method per file_event_*/folder_event_* call, each
// returning the JSON envelope {result, errcode?, info?, data?,
// error_data?} decoded into a strategies.CoordinatorResult.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pvtbox/syncd/internal/slogutil"
	"github.com/pvtbox/syncd/internal/strategies"
)

var log = slogutil.NewAdapter("coordinator")

// Client talks to the coordinator's event registration API.
type Client struct {
	baseURL string
	http    *http.Client
	authKey string
}

// New constructs a Client against baseURL. authKey is sent with every
// request; an empty key is allowed for coordinators that authenticate
// by transport.
func New(baseURL, authKey string) *Client {
	return &Client{
		baseURL: baseURL,
		authKey: authKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// envelope is the wire shape of every coordinator reply.
type envelope struct {
	Result    string                 `json:"result"`
	ErrCode   string                 `json:"errcode"`
	Info      map[string]interface{} `json:"info"`
	Data      map[string]interface{} `json:"data"`
	ErrorData map[string]interface{} `json:"error_data"`
}

func (c *Client) call(ctx context.Context, action string, payload map[string]interface{}) (strategies.CoordinatorResult, error) {
	payload["action"] = action
	if c.authKey != "" {
		payload["auth_key"] = c.authKey
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return strategies.CoordinatorResult{}, fmt.Errorf("coordinator: marshal %s: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return strategies.CoordinatorResult{}, fmt.Errorf("coordinator: request %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return strategies.CoordinatorResult{}, fmt.Errorf("coordinator: %s: %w", action, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return strategies.CoordinatorResult{}, fmt.Errorf("coordinator: decode %s reply: %w", action, err)
	}

	res := strategies.CoordinatorResult{
		Success:   env.Result == "success",
		ErrCode:   env.ErrCode,
		Info:      env.Info,
		ErrorData: env.ErrorData,
	}
	if !res.Success {
		log.Debugf("%s rejected: %s", action, env.ErrCode)
		return res, nil
	}
	if id, ok := env.Data["event_id"].(float64); ok {
		res.ServerEventID = int64(id)
	}
	return res, nil
}

func (c *Client) FileEventCreate(ctx context.Context, eventUUID, fileUUID, folderUUID, fileName, fileHash string, fileSize int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "file_event_create", map[string]interface{}{
		"event_uuid":  eventUUID,
		"file_uuid":   fileUUID,
		"folder_uuid": folderUUID,
		"file_name":   fileName,
		"file_size":   fileSize,
		"file_hash":   fileHash,
	})
}

func (c *Client) FileEventUpdate(ctx context.Context, eventUUID, fileUUID string, lastEventID int64, fileHash string, fileSize, diffFileSize, revDiffFileSize int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "file_event_update", map[string]interface{}{
		"event_uuid":         eventUUID,
		"file_uuid":          fileUUID,
		"last_event_id":      lastEventID,
		"file_hash":          fileHash,
		"file_size":          fileSize,
		"diff_file_size":     diffFileSize,
		"rev_diff_file_size": revDiffFileSize,
	})
}

func (c *Client) FileEventDelete(ctx context.Context, eventUUID, fileUUID string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "file_event_delete", map[string]interface{}{
		"event_uuid":    eventUUID,
		"file_uuid":     fileUUID,
		"last_event_id": lastEventID,
	})
}

func (c *Client) FileEventMove(ctx context.Context, eventUUID, fileUUID, newFolderUUID, newName string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "file_event_move", map[string]interface{}{
		"event_uuid":      eventUUID,
		"file_uuid":       fileUUID,
		"new_folder_uuid": newFolderUUID,
		"new_file_name":   newName,
		"last_event_id":   lastEventID,
	})
}

func (c *Client) FolderEventCreate(ctx context.Context, eventUUID, folderUUID, parentUUID, name string) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "folder_event_create", map[string]interface{}{
		"event_uuid":  eventUUID,
		"folder_uuid": folderUUID,
		"parent_uuid": parentUUID,
		"folder_name": name,
	})
}

func (c *Client) FolderEventUpdate(ctx context.Context, eventUUID, folderUUID string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "folder_event_update", map[string]interface{}{
		"event_uuid":    eventUUID,
		"folder_uuid":   folderUUID,
		"last_event_id": lastEventID,
	})
}

func (c *Client) FolderEventDelete(ctx context.Context, eventUUID, folderUUID string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "folder_event_delete", map[string]interface{}{
		"event_uuid":    eventUUID,
		"folder_uuid":   folderUUID,
		"last_event_id": lastEventID,
	})
}

func (c *Client) FolderEventMove(ctx context.Context, eventUUID, folderUUID, newParentUUID, newName string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.call(ctx, "folder_event_move", map[string]interface{}{
		"event_uuid":      eventUUID,
		"folder_uuid":     folderUUID,
		"new_parent_uuid": newParentUUID,
		"new_folder_name": newName,
		"last_event_id":   lastEventID,
	})
}
