package models

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
)

// LoopMode controls what happens after a job's content finishes successfully.
type LoopMode string

const (
	LoopOff LoopMode = "off"
	LoopAll LoopMode = "loop_all"
	LoopOne LoopMode = "loop_one"
)

// ParseLoopMode normalizes user supplied loop values. Unknown values fall
// back to LoopOff and report false.
func ParseLoopMode(value string) (LoopMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "off", "none":
		return LoopOff, true
	case "all", "loop_all", "loopall":
		return LoopAll, true
	case "one", "loop_one", "loopone":
		return LoopOne, true
	default:
		return LoopOff, false
	}
}

// Job is a requested assignment of one content source, or an ordered
// playlist, to one destination page.
type Job struct {
	ID                  string     `json:"id"`
	PageID              string     `json:"pageId"`
	VideoID             string     `json:"videoId"`
	Playlist            []string   `json:"playlist,omitempty"`
	ProfileID           string     `json:"profileId,omitempty"`
	TitleTemplate       string     `json:"titleTemplate,omitempty"`
	DescriptionTemplate string     `json:"descriptionTemplate,omitempty"`
	FirstComment        string     `json:"firstComment,omitempty"`
	ScheduledAt         *time.Time `json:"scheduledAt,omitempty"`
	Priority            int        `json:"priority"`
	LoopMode            LoopMode   `json:"loopMode"`
	RecoveryAttempts    int        `json:"recoveryAttempts"`
	Status              JobStatus  `json:"status"`
	LastError           string     `json:"lastError,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// HasPlaylist reports whether the job cycles through more than one item.
func (j Job) HasPlaylist() bool {
	return len(j.Playlist) > 1
}

// ContentAt returns the video id active for the provided playlist index.
// Indices wrap modulo the playlist length.
func (j Job) ContentAt(index int) string {
	if len(j.Playlist) == 0 {
		return j.VideoID
	}
	if index < 0 {
		index = 0
	}
	return j.Playlist[index%len(j.Playlist)]
}

// Session records one remote broadcast object's lifecycle.
type Session struct {
	ID            string        `json:"id"`
	JobID         string        `json:"jobId"`
	BroadcastID   string        `json:"broadcastId"`
	VODID         string        `json:"vodId,omitempty"`
	IngestURL     string        `json:"ingestUrl"`
	Status        SessionStatus `json:"status"`
	PeakViewers   int           `json:"peakViewers"`
	LastViewers   int           `json:"lastViewers"`
	Bitrate       float64       `json:"bitrate"`
	FPS           float64       `json:"fps"`
	CurrentIndex  int           `json:"currentIndex"`
	CommentPosted bool          `json:"commentPosted"`
	APIFailures   int           `json:"apiFailures"`
	ErrorLog      string        `json:"errorLog,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// CommentTarget returns the object id comments should be posted against.
func (s Session) CommentTarget() string {
	if strings.TrimSpace(s.VODID) != "" {
		return s.VODID
	}
	return s.BroadcastID
}

// Secret is an encrypted credential as stored at rest.
type Secret struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
}

// Empty reports whether no credential is stored.
func (s Secret) Empty() bool {
	return len(s.Ciphertext) == 0 && len(s.Tag) == 0
}

// Page is a destination managed by the linked account.
type Page struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Token     Secret    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Video is a content item that can be streamed.
type Video struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName falls back to the base name of the path.
func (v Video) DisplayName() string {
	if strings.TrimSpace(v.Filename) != "" {
		return v.Filename
	}
	return filepath.Base(v.Path)
}

// Profile is a stored editing profile. Data is kept as the raw document so
// parsing can degrade per section.
type Profile struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Setting keys understood by the orchestrator.
const (
	SettingAccountToken = "account_token"
	SettingAccountID    = "account_id"
)
