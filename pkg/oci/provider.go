package oci

import (
	"context"
)

// BaseImageSource abstracts where the base image comes from (registry, local tar, etc.)
type BaseImageSource interface {
	GetBase(ctx context.Context) (*Image, error)
	Info() string
}
