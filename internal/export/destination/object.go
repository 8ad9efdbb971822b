package destination

import (
	"context"
	"fmt"
)

// ObjectStoreDestination reserves the s3/gcs contract. Delivery is not
// built; every call fails with ErrNotImplemented so a misconfigured
// schedule surfaces immediately instead of silently dropping exports.
type ObjectStoreDestination struct {
	scheme string // "s3" or "gcs"
	bucket string
}

// NewObjectStoreDestination constructs the placeholder destination.
func NewObjectStoreDestination(scheme, bucket string) *ObjectStoreDestination {
	return &ObjectStoreDestination{scheme: scheme, bucket: bucket}
}

func (d *ObjectStoreDestination) Deliver(context.Context, Payload) (string, error) {
	return "", fmt.Errorf("%w: %s://%s", ErrNotImplemented, d.scheme, d.bucket)
}
