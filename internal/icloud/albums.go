package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// cloudKitQuery is the shape every ckdatabasews query call shares.
type cloudKitQuery struct {
	Query  cloudKitQueryBody `json:"query,omitempty"`
	ZoneID cloudKitZoneID    `json:"zoneID"`
	Offset int               `json:"offset,omitempty"`
	Limit  int               `json:"resultsLimit,omitempty"`
}

type cloudKitQueryBody struct {
	RecordType string           `json:"recordType"`
	Filters    []cloudKitFilter `json:"filterBy,omitempty"`
	SortBy     []cloudKitSort   `json:"sortBy,omitempty"`
}

type cloudKitFilter struct {
	FieldName  string `json:"fieldName"`
	Comparator string `json:"comparator"`
	FieldValue any    `json:"fieldValue"`
}

type cloudKitSort struct {
	FieldName string `json:"fieldName"`
	Ascending bool   `json:"ascending"`
}

type cloudKitZoneID struct {
	ZoneName string `json:"zoneName"`
}

// defaultZone is the primary photo library zone name; every account has at
// least "PrimarySync".
const defaultZone = "PrimarySync"

// albumRecordType is the CloudKit record type listing user-created albums.
const albumRecordType = "CPLAlbumByPositionLive"

// ListAlbums fetches the folder/album hierarchy once per run. "All Photos"
// is always present; user albums are discovered via a CloudKit query
// against the primary zone.
func ListAlbums(ctx context.Context, client *Client, sess *Session) ([]Album, error) {
	albums := []Album{{Name: "All Photos", Kind: AlbumKindAllPhotos}}

	query := cloudKitQuery{
		Query:  cloudKitQueryBody{RecordType: albumRecordType},
		ZoneID: cloudKitZoneID{ZoneName: defaultZone},
	}

	body, err := jsonBody(query)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     sess.PhotosEndpoint + "/records/query",
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	}, sess)
	if err != nil {
		return nil, fmt.Errorf("listing albums: %w", err)
	}

	defer resp.Body.Close()

	var parsed struct {
		Records []struct {
			Fields struct {
				AlbumNameEnc struct {
					Value string `json:"value"`
				} `json:"albumNameEnc"`
			} `json:"fields"`
		} `json:"records"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding album list: %w", err)
	}

	for _, rec := range parsed.Records {
		name := rec.Fields.AlbumNameEnc.Value
		if name == "" {
			continue
		}

		albums = append(albums, Album{Name: name, Kind: AlbumKindUserAlbum})
	}

	return albums, nil
}
