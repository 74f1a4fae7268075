// package clients defines thin interfaces for the two unreliable external
// dependencies the bridge talks to: the upstream streaming service and
// the peer transfer daemon.
//
// The core never touches raw sockets; every call goes through one of these
// interfaces, wrapped by the dependency's circuit breaker.
package clients

import "context"

// Artist is an artist record from the upstream streaming service.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Album is an album record from the upstream streaming service.
type Album struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ArtistID    string `json:"artist_id"`
	ArtistName  string `json:"artist_name"`
	TrackCount  int    `json:"track_count"`
	ReleaseDate string `json:"release_date"`
}

// Upstream is the streaming-service client the library reconcilers read
// from. Implementations must be safe for concurrent use.
type Upstream interface {
	// FollowedArtists lists the artists the account follows.
	FollowedArtists(ctx context.Context) ([]Artist, error)

	// ArtistAlbums lists an artist's albums.
	ArtistAlbums(ctx context.Context, artistID string) ([]Album, error)

	// SavedAlbums lists the albums saved to the account's library.
	SavedAlbums(ctx context.Context) ([]Album, error)
}

// SearchResult is one file hit from a peer network search.
type SearchResult struct {
	Username  string `json:"username"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	BitRate   int    `json:"bit_rate"`
	SlotsFree bool   `json:"slots_free"`
}

// Transfer state values reported by the peer daemon.
const (
	TransferQueued     = "queued"
	TransferInProgress = "in_progress"
	TransferSucceeded  = "succeeded"
	TransferErrored    = "errored"
)

// Transfer is the peer daemon's view of one download.
type Transfer struct {
	ID               string  `json:"id"`
	Username         string  `json:"username"`
	Filename         string  `json:"filename"`
	State            string  `json:"state"`
	Size             int64   `json:"size"`
	BytesTransferred int64   `json:"bytes_transferred"`
	PercentComplete  float64 `json:"percent_complete"`
	Error            string  `json:"error"`
}

// Peer is the transfer-daemon client. Downloads started here run
// asynchronously on the daemon; Transfers is the only window into their
// progress.
type Peer interface {
	// Search runs a file search across the peer network.
	Search(ctx context.Context, query string) ([]SearchResult, error)

	// Download starts a transfer and returns the daemon's transfer id.
	Download(ctx context.Context, username, filename string) (string, error)

	// Transfers lists every download the daemon currently tracks.
	Transfers(ctx context.Context) ([]Transfer, error)

	// CancelDownload aborts a transfer on the daemon.
	CancelDownload(ctx context.Context, id string) error
}
