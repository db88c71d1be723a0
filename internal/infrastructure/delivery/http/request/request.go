// Package request holds the decoded HTTP request bodies.
package request

import (
	"fmt"
	"strings"

	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/service"
)

// CreateBatch is the body of POST /v1/batches.
type CreateBatch struct {
	Root        string             `json:"root"`
	MediaType   string             `json:"mediaType"` // none, image, video or thumbnail
	Concurrency int                `json:"concurrency"`
	Items       []entity.BatchItem `json:"items"`
}

// Validate checks the fields that can be rejected without touching the service.
// URLs that are present but malformed are accepted and reported per item.
func (c *CreateBatch) Validate() error {
	if len(c.Items) == 0 {
		return errs.ErrNoItems
	}

	for i, item := range c.Items {
		if strings.TrimSpace(item.URL) == "" {
			return fmt.Errorf("%w: item %d is empty", errs.ErrInvalidURL, i)
		}
	}

	if _, err := entity.ParseMediaType(strings.ToLower(strings.TrimSpace(c.MediaType))); err != nil {
		return err
	}

	if c.Concurrency < 0 {
		return fmt.Errorf("%w: got %d", errs.ErrInvalidConcurrency, c.Concurrency)
	}

	return nil
}

// BatchRequest converts the body to the service input.
func (c *CreateBatch) BatchRequest() service.BatchRequest {
	return service.BatchRequest{
		Root:        c.Root,
		MediaType:   c.MediaType,
		Concurrency: c.Concurrency,
		Items:       c.Items,
	}
}
