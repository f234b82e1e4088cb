package imagesource

import (
	"context"
	"image"
	"net/http"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// HTTPSource fetches a still image from a URL on every call, e.g. a network camera's snapshot
// endpoint.
type HTTPSource struct {
	client *http.Client
	URL    string
}

// NewHTTPSource returns a source polling url with client. A nil client means
// http.DefaultClient.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, URL: url}
}

// Next downloads and decodes one frame.
func (hs *HTTPSource) Next(ctx context.Context) (image.Image, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := hs.client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "couldn't read url %q", hs.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.Errorf("couldn't read url %q: %s", hs.URL, resp.Status)
	}
	img, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "couldn't decode image from %q", hs.URL)
	}
	return img, noRelease, nil
}

// Close releases idle connections.
func (hs *HTTPSource) Close(ctx context.Context) error {
	hs.client.CloseIdleConnections()
	return nil
}
