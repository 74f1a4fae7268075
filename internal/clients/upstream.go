// Spotify-style implementation of [Upstream] using the client credentials
// grant; the bridge only reads library data, so no user-interactive OAuth
// flow is needed.

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/soundleaf/soundleaf/internal/shared"
	"golang.org/x/oauth2/clientcredentials"
)

// UpstreamClient implements [Upstream] against the streaming service's
// HTTP API. The oauth2 transport refreshes tokens transparently.
type UpstreamClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewUpstreamClient creates an authenticated client. The returned client's
// transport caches and refreshes the access token as needed.
func NewUpstreamClient(ctx context.Context, cfg shared.UpstreamConfig) (*UpstreamClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: upstream client_id and client_secret are required", shared.ErrInvalidConfig)
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	return &UpstreamClient{
		baseURL:    cfg.BaseURL,
		httpClient: creds.Client(ctx),
	}, nil
}

type pagedArtists struct {
	Artists struct {
		Items []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"items"`
		Next string `json:"next"`
	} `json:"artists"`
}

type pagedAlbums struct {
	Items []upstreamAlbum `json:"items"`
	Next  string          `json:"next"`
}

type pagedSavedAlbums struct {
	Items []struct {
		Album upstreamAlbum `json:"album"`
	} `json:"items"`
	Next string `json:"next"`
}

type upstreamAlbum struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Artists []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"artists"`
	TotalTracks int    `json:"total_tracks"`
	ReleaseDate string `json:"release_date"`
}

func (a upstreamAlbum) toAlbum() Album {
	album := Album{
		ID:          a.ID,
		Name:        a.Name,
		TrackCount:  a.TotalTracks,
		ReleaseDate: a.ReleaseDate,
	}
	if len(a.Artists) > 0 {
		album.ArtistID = a.Artists[0].ID
		album.ArtistName = a.Artists[0].Name
	}
	return album
}

// FollowedArtists lists the artists the account follows, following
// pagination to the end.
func (c *UpstreamClient) FollowedArtists(ctx context.Context) ([]Artist, error) {
	var artists []Artist

	endpoint := c.baseURL + "/me/following?type=artist&limit=50"
	for endpoint != "" {
		var page pagedArtists
		if err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Artists.Items {
			artists = append(artists, Artist{ID: item.ID, Name: item.Name})
		}
		endpoint = page.Artists.Next
	}

	return artists, nil
}

// ArtistAlbums lists an artist's albums, excluding compilations the
// account has no interest in mirroring.
func (c *UpstreamClient) ArtistAlbums(ctx context.Context, artistID string) ([]Album, error) {
	var albums []Album

	endpoint := fmt.Sprintf("%s/artists/%s/albums?include_groups=album&limit=50", c.baseURL, url.PathEscape(artistID))
	for endpoint != "" {
		var page pagedAlbums
		if err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			albums = append(albums, item.toAlbum())
		}
		endpoint = page.Next
	}

	return albums, nil
}

// SavedAlbums lists the albums saved to the account's library.
func (c *UpstreamClient) SavedAlbums(ctx context.Context) ([]Album, error) {
	var albums []Album

	endpoint := c.baseURL + "/me/albums?limit=50"
	for endpoint != "" {
		var page pagedSavedAlbums
		if err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			albums = append(albums, item.Album.toAlbum())
		}
		endpoint = page.Next
	}

	return albums, nil
}

// getJSON performs a GET request and decodes the JSON response into out.
func (c *UpstreamClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: upstream status %d", shared.ErrAPIRequest, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
