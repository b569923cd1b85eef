package icloud

import (
	"context"
	"fmt"
	"net/http"
)

// recordChangeOp is the CloudKit record operation type for a field update.
const recordChangeOp = "update"

// deleteFieldName is the boolean field CloudKit uses to move an asset into
// "Recently Deleted" without physically removing the record.
const deleteFieldName = "isDeleted"

// Delete moves asset into the account's Recently Deleted album. It reuses
// the same CloudKit POST shape as the listing queries in photos.go, against
// /records/modify instead of /records/query.
func Delete(ctx context.Context, client *Client, sess *Session, asset Asset) error {
	body, err := jsonBody(recordModifyRequest{
		Operations: []recordOperation{{
			OperationType: recordChangeOp,
			Record: recordMutation{
				RecordName: asset.ID,
				RecordType: assetListRecordType,
				Fields: map[string]recordFieldValue{
					deleteFieldName: {Value: true},
				},
			},
		}},
		ZoneID: cloudKitZoneID{ZoneName: defaultZone},
	})
	if err != nil {
		return err
	}

	resp, err := client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     sess.PhotosEndpoint + "/records/modify",
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	}, sess)
	if err != nil {
		return fmt.Errorf("deleting asset %s: %w", asset.ID, err)
	}

	defer resp.Body.Close()

	return nil
}

type recordModifyRequest struct {
	Operations []recordOperation `json:"operations"`
	ZoneID     cloudKitZoneID    `json:"zoneID"`
}

type recordOperation struct {
	OperationType string         `json:"operationType"`
	Record        recordMutation `json:"record"`
}

type recordMutation struct {
	RecordName string                      `json:"recordName"`
	RecordType string                      `json:"recordType"`
	Fields     map[string]recordFieldValue `json:"fields"`
}

type recordFieldValue struct {
	Value any `json:"value"`
}
