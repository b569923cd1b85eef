package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// assetListRecordType is the CloudKit record type for "All Photos" ordered
// most-recent-first. A user-album query instead filters by album name, but
// the field/record shape returned for each asset is the same.
const assetListRecordType = "CPLAssetAndMasterByAssetDateWithoutHiddenOrDeleted"

// pageSize is the fixed paginated request size.
const pageSize = 200

// SessionSource supplies the current Session on demand, so a sequence keeps
// working after a re-authentication swaps the session out underneath it.
type SessionSource interface {
	Session() *Session
}

// staticSession adapts a bare *Session to SessionSource for callers that
// never re-authenticate mid-iteration.
type staticSession struct{ sess *Session }

func (s staticSession) Session() *Session { return s.sess }

// StaticSession wraps sess in a SessionSource that always returns it.
func StaticSession(sess *Session) SessionSource { return staticSession{sess: sess} }

// AssetSequence is a lazy, restartable sequence of Assets backed by
// paginated offset queries. It is not thread-safe: only the single producer
// goroutine calls Next.
type AssetSequence struct {
	client   *Client
	sessions SessionSource
	album    Album
	offset   int
}

// OpenAlbum returns a lazy sequence of Assets for album, most-recent-first.
func OpenAlbum(client *Client, sessions SessionSource, album Album) *AssetSequence {
	return &AssetSequence{client: client, sessions: sessions, album: album}
}

// Offset returns the cursor's current position, so a caller can reset to
// it after a re-authentication or a retried page fetch.
func (s *AssetSequence) Offset() int { return s.offset }

// SeekTo rewinds the cursor to a prior offset before re-issuing the same
// page request.
func (s *AssetSequence) SeekTo(offset int) { s.offset = offset }

// Next fetches the next page of Assets, advancing the cursor. Returns an
// empty slice once the album is exhausted. Errors are the raw classified
// *APIError/*TransportError from the HTTP layer; the caller owns all
// retry and re-auth policy.
func (s *AssetSequence) Next(ctx context.Context) ([]Asset, error) {
	query := cloudKitQuery{
		Query: cloudKitQueryBody{
			RecordType: assetListRecordType,
			SortBy:     []cloudKitSort{{FieldName: "assetDate", Ascending: false}},
		},
		ZoneID: cloudKitZoneID{ZoneName: defaultZone},
		Offset: s.offset,
		Limit:  pageSize,
	}

	if s.album.Kind == AlbumKindUserAlbum {
		query.Query.Filters = []cloudKitFilter{{
			FieldName:  "albumName",
			Comparator: "EQUALS",
			FieldValue: s.album.Name,
		}}
	}

	body, err := jsonBody(query)
	if err != nil {
		return nil, err
	}

	sess := s.sessions.Session()

	resp, err := s.client.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     sess.PhotosEndpoint + "/records/query",
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    body,
	}, sess)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	var page assetPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding asset page: %w", err)
	}

	assets := make([]Asset, 0, len(page.Records))
	for _, rec := range page.Records {
		assets = append(assets, rec.toAsset())
	}

	s.offset += len(assets)

	return assets, nil
}

// assetPage is the raw CloudKit response shape for one listing page.
type assetPage struct {
	Records []assetRecord `json:"records"`
}

// assetRecord is the combined master+asset record CloudKit returns per
// item, flattened to the fields this client needs.
type assetRecord struct {
	RecordName string `json:"recordName"`
	Fields     struct {
		Filename struct {
			Value string `json:"value"`
		} `json:"filename"`
		ItemType struct {
			Value string `json:"value"`
		} `json:"itemType"`
		AssetDate struct {
			Value int64 `json:"value"` // unix millis
		} `json:"assetDate"`
		AddedDate struct {
			Value int64 `json:"value"` // unix millis
		} `json:"addedDate"`
		Versions map[string]assetRecordVersion `json:"-"`
	} `json:"fields"`
}

type assetRecordVersion struct {
	URL      string `json:"downloadURL"`
	Size     int64  `json:"size"`
	Filename string `json:"fileName"`
	Type     string `json:"fileType"`
}

// UnmarshalJSON decodes the flat "resOriginalRes"/"resOriginalFileType"-etc
// field set CloudKit actually returns into assetRecord.Fields.Versions.
// CloudKit asset records encode one map entry per (sizeTag + suffix) rather
// than a nested per-size object, so this needs custom decoding instead of
// a plain struct tag mapping.
func (r *assetRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		RecordName string                     `json:"recordName"`
		Fields     map[string]json.RawMessage `json:"fields"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.RecordName = raw.RecordName
	r.Fields.Versions = make(map[string]assetRecordVersion)

	if v, ok := raw.Fields["filename"]; ok {
		_ = json.Unmarshal(v, &r.Fields.Filename)
	}

	if v, ok := raw.Fields["itemType"]; ok {
		_ = json.Unmarshal(v, &r.Fields.ItemType)
	}

	if v, ok := raw.Fields["assetDate"]; ok {
		_ = json.Unmarshal(v, &r.Fields.AssetDate)
	}

	if v, ok := raw.Fields["addedDate"]; ok {
		_ = json.Unmarshal(v, &r.Fields.AddedDate)
	}

	decodeVersionFields(raw.Fields, r.Fields.Versions)

	return nil
}

// sizeTagFieldPrefixes maps each recognized SizeTag to its CloudKit field
// prefix; each rendition is encoded as <prefix>Res plus <prefix>FileType.
var sizeTagFieldPrefixes = map[SizeTag]string{
	SizeOriginal:      "resOriginal",
	SizeMedium:        "resJPEGMedium",
	SizeThumb:         "resJPEGThumb",
	SizeAdjusted:      "resEditedOriginal",
	SizeAlternative:   "resOriginalAlt",
	SizeOriginalVideo: "resOriginalVidCompl",
	SizeMediumVideo:   "resVidMedium",
}

func decodeVersionFields(fields map[string]json.RawMessage, out map[string]assetRecordVersion) {
	for tag, prefix := range sizeTagFieldPrefixes {
		resField, ok := fields[prefix+"Res"]
		if !ok {
			continue
		}

		var res struct {
			Value struct {
				DownloadURL string `json:"downloadURL"`
				Size        int64  `json:"size"`
			} `json:"value"`
		}

		if err := json.Unmarshal(resField, &res); err != nil || res.Value.DownloadURL == "" {
			continue
		}

		version := assetRecordVersion{
			URL:  res.Value.DownloadURL,
			Size: res.Value.Size,
		}

		if ft, ok := fields[prefix+"FileType"]; ok {
			var v struct {
				Value string `json:"value"`
			}

			_ = json.Unmarshal(ft, &v)
			version.Type = v.Value
		}

		out[string(tag)] = version
	}
}

// toAsset converts a decoded CloudKit record into the domain Asset type.
func (r assetRecord) toAsset() Asset {
	itemType := ItemTypeUnknown

	switch r.Fields.ItemType.Value {
	case "public.image", "image":
		itemType = ItemTypePhoto
	case "public.movie", "video":
		itemType = ItemTypeVideo
	case "":
		// Absent item_type with a video rendition present still counts as
		// a video asset; otherwise assume photo (the common case).
		if _, ok := r.Fields.Versions[string(SizeOriginalVideo)]; ok {
			itemType = ItemTypeVideo
		} else {
			itemType = ItemTypePhoto
		}
	}

	versions := make(map[SizeTag]AssetVersion, len(r.Fields.Versions))
	for tag, v := range r.Fields.Versions {
		versions[SizeTag(tag)] = AssetVersion{
			URL:      v.URL,
			Size:     v.Size,
			Filename: v.Filename,
			TypeHint: v.Type,
		}
	}

	created := time.UnixMilli(r.Fields.AssetDate.Value).UTC()
	assetDate := time.UnixMilli(r.Fields.AddedDate.Value).UTC()

	return Asset{
		ID:        r.RecordName,
		Filename:  r.Fields.Filename.Value,
		Created:   created,
		AssetDate: assetDate,
		ItemType:  itemType,
		Versions:  versions,
	}
}

// Download opens the asset rendition's byte stream. The caller must close
// the returned ReadCloser.
func Download(ctx context.Context, client *Client, sess *Session, version AssetVersion) (io.ReadCloser, error) {
	resp, err := client.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    version.URL,
	}, sess)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}
