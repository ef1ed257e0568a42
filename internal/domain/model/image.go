package model

import "strings"

// Image is a fetched submission image. Data may be empty when only the
// reference is known.
type Image struct {
	Ref         string
	ContentType string
	Data        []byte
}

func (i Image) HasData() bool { return len(i.Data) > 0 }

// IsRemoteURL reports whether Ref can be handed to a reasoning service as is.
func (i Image) IsRemoteURL() bool {
	return strings.HasPrefix(i.Ref, "https://") || strings.HasPrefix(i.Ref, "http://")
}
