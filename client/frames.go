package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Event is a decoded text-frame event: JSON {type, data} from a fixed set
// of event names. Payloads that concern a specific job carry "prompt_id"
// inside Data; consumers filter by it.
type Event struct {
	Type string
	Data map[string]any
}

// PromptID extracts the prompt_id field from Data, if present.
func (e Event) PromptID() (string, bool) {
	v, ok := e.Data["prompt_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func decodeTextFrame(raw []byte) (Event, error) {
	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, fmt.Errorf("client: decode text frame: %w", err)
	}
	return Event{Type: envelope.Type, Data: envelope.Data}, nil
}

// Image sub-types carried in the second 4 bytes of a binary preview frame.
const (
	imageTypeJPEG = 1
	imageTypePNG  = 2
)

// Binary event types carried in the first 4 bytes of a binary preview
// frame.
const (
	binaryEventPreview             = 1
	binaryEventUnencodedPreview     = 2
	binaryEventPreviewWithMetadata = 3
)

// PreviewFrame is a decoded plain preview.
type PreviewFrame struct {
	ImageType int // imageTypeJPEG or imageTypePNG
	Blob      []byte
}

// PreviewMetaFrame is a decoded metadata-preview frame, emitted only when the server advertises
// supports_preview_metadata.
type PreviewMetaFrame struct {
	ImageType int
	Blob      []byte
	Metadata  map[string]any
}

// decodeBinaryFrame parses a binary frame: u32_be eventType, u32_be
// imageType, [if metadata: u32_be metadataLen, metadataLen bytes of JSON],
// imageBytes. previewMetadataEnabled gates whether the metadata-preview
// variant is recognized.
func decodeBinaryFrame(raw []byte, previewMetadataEnabled bool) (preview *PreviewFrame, previewMeta *PreviewMetaFrame, err error) {
	if len(raw) < 8 {
		return nil, nil, fmt.Errorf("client: binary frame too short: %d bytes", len(raw))
	}
	eventType := binary.BigEndian.Uint32(raw[0:4])
	imageType := int(binary.BigEndian.Uint32(raw[4:8]))
	rest := raw[8:]

	switch {
	case eventType == binaryEventPreview || eventType == binaryEventUnencodedPreview:
		return &PreviewFrame{ImageType: imageType, Blob: rest}, nil, nil

	case eventType == binaryEventPreviewWithMetadata && previewMetadataEnabled:
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("client: metadata preview frame too short for length prefix")
		}
		metaLen := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint32(len(rest)) < metaLen {
			return nil, nil, fmt.Errorf("client: metadata preview frame truncated")
		}
		var metadata map[string]any
		if err := json.Unmarshal(rest[:metaLen], &metadata); err != nil {
			return nil, nil, fmt.Errorf("client: decode preview metadata: %w", err)
		}
		return nil, &PreviewMetaFrame{ImageType: imageType, Blob: rest[metaLen:], Metadata: metadata}, nil

	default:
		return nil, nil, fmt.Errorf("client: unrecognized binary event type %d", eventType)
	}
}
