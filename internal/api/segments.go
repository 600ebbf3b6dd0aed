package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/MikeSquared-Agency/aegis/internal/model"
)

func decodeSegments(body io.Reader) ([]model.Segment, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	if data[0] == '[' {
		var segs []model.Segment
		if err := json.Unmarshal(data, &segs); err != nil {
			return nil, err
		}
		return segs, nil
	}
	var seg model.Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, err
	}
	return []model.Segment{seg}, nil
}
