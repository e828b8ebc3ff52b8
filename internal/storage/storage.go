package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relaycast/internal/models"
)

type dataset struct {
	Jobs     []models.Job              `json:"jobs"`
	Sessions []models.Session          `json:"sessions"`
	Pages    map[string]models.Page    `json:"pages"`
	Videos   []models.Video            `json:"videos"`
	Profiles map[string]models.Profile `json:"profiles"`
	Settings map[string]string         `json:"settings"`
}

// Storage is the JSON file backed Repository. The whole dataset is held in
// memory and rewritten atomically on every mutation.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Pages:    make(map[string]models.Page),
		Profiles: make(map[string]models.Profile),
		Settings: make(map[string]string),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Pages == nil {
		s.data.Pages = make(map[string]models.Page)
	}
	if s.data.Profiles == nil {
		s.data.Profiles = make(map[string]models.Profile)
	}
	if s.data.Settings == nil {
		s.data.Settings = make(map[string]string)
	}
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate runs fn against a copy of the dataset and only swaps it in once the
// copy has been persisted, so a failed write leaves memory untouched.
func (s *Storage) mutate(fn func(data *dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneDataset(s.data)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	clone.Jobs = make([]models.Job, len(src.Jobs))
	for i, job := range src.Jobs {
		clone.Jobs[i] = cloneJob(job)
	}
	clone.Sessions = make([]models.Session, len(src.Sessions))
	for i, session := range src.Sessions {
		clone.Sessions[i] = cloneSession(session)
	}
	for id, page := range src.Pages {
		clone.Pages[id] = page
	}
	clone.Videos = append([]models.Video(nil), src.Videos...)
	for id, profile := range src.Profiles {
		clone.Profiles[id] = profile
	}
	for key, value := range src.Settings {
		clone.Settings[key] = value
	}
	return clone
}

func cloneJob(job models.Job) models.Job {
	cloned := job
	if job.Playlist != nil {
		cloned.Playlist = append([]string(nil), job.Playlist...)
	}
	if job.ScheduledAt != nil {
		scheduled := *job.ScheduledAt
		cloned.ScheduledAt = &scheduled
	}
	return cloned
}

func cloneSession(session models.Session) models.Session {
	cloned := session
	if session.EndedAt != nil {
		ended := *session.EndedAt
		cloned.EndedAt = &ended
	}
	return cloned
}

func (s *Storage) now() time.Time {
	return s.clock().UTC()
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *Storage) Close(context.Context) error {
	return nil
}

// Job operations

func (s *Storage) CreateJob(_ context.Context, params CreateJobParams) (models.Job, error) {
	if strings.TrimSpace(params.PageID) == "" {
		return models.Job{}, fmt.Errorf("page id is required")
	}
	if strings.TrimSpace(params.VideoID) == "" && len(params.Playlist) == 0 {
		return models.Job{}, fmt.Errorf("video id or playlist is required")
	}
	now := s.now()
	job := models.Job{
		ID:                  generateID(),
		PageID:              params.PageID,
		VideoID:             params.VideoID,
		Playlist:            append([]string(nil), params.Playlist...),
		ProfileID:           params.ProfileID,
		TitleTemplate:       params.TitleTemplate,
		DescriptionTemplate: params.DescriptionTemplate,
		FirstComment:        params.FirstComment,
		Priority:            params.Priority,
		LoopMode:            params.LoopMode,
		Status:              models.JobQueued,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if job.VideoID == "" {
		job.VideoID = job.Playlist[0]
	}
	if job.LoopMode == "" {
		job.LoopMode = models.LoopOff
	}
	if params.ScheduledAt != nil {
		scheduled := params.ScheduledAt.UTC()
		job.ScheduledAt = &scheduled
	}
	err := s.mutate(func(data *dataset) error {
		data.Jobs = append(data.Jobs, job)
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return cloneJob(job), nil
}

func (s *Storage) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.data.Jobs {
		if job.ID == id {
			return cloneJob(job), nil
		}
	}
	return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
}

func (s *Storage) ListJobs(context.Context) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.Job, 0, len(s.data.Jobs))
	for _, job := range s.data.Jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs, nil
}

func (s *Storage) ListJobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	wanted := make(map[models.JobStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.Job
	for _, job := range s.data.Jobs {
		if _, ok := wanted[job.Status]; ok {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

func (s *Storage) ListAdmissibleJobs(_ context.Context, query AdmissionQuery) ([]models.Job, error) {
	if query.Limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	var jobs []models.Job
	for _, job := range s.data.Jobs {
		if admissible(job, query) {
			jobs = append(jobs, cloneJob(job))
		}
	}
	s.mu.RUnlock()

	// Jobs are stored in creation order, so a stable sort keeps FIFO within a
	// priority even when timestamps collide.
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if len(jobs) > query.Limit {
		jobs = jobs[:query.Limit]
	}
	return jobs, nil
}

func (s *Storage) UpdateJob(_ context.Context, id string, update JobUpdate) (models.Job, error) {
	var updated models.Job
	err := s.mutate(func(data *dataset) error {
		for i := range data.Jobs {
			if data.Jobs[i].ID != id {
				continue
			}
			applyJobUpdate(&data.Jobs[i], update)
			data.Jobs[i].UpdatedAt = s.now()
			updated = cloneJob(data.Jobs[i])
			return nil
		}
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	})
	if err != nil {
		return models.Job{}, err
	}
	return updated, nil
}

// Session operations

func (s *Storage) CreateSession(_ context.Context, params CreateSessionParams) (models.Session, error) {
	now := s.now()
	started := params.StartedAt.UTC()
	if params.StartedAt.IsZero() {
		started = now
	}
	session := models.Session{
		ID:           generateID(),
		JobID:        params.JobID,
		BroadcastID:  params.BroadcastID,
		VODID:        params.VODID,
		IngestURL:    params.IngestURL,
		Status:       models.SessionLive,
		CurrentIndex: params.CurrentIndex,
		StartedAt:    started,
		UpdatedAt:    now,
	}
	err := s.mutate(func(data *dataset) error {
		for _, job := range data.Jobs {
			if job.ID == params.JobID {
				data.Sessions = append(data.Sessions, session)
				return nil
			}
		}
		return fmt.Errorf("job %s: %w", params.JobID, ErrNotFound)
	})
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Storage) GetSession(_ context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data.Sessions {
		if session.ID == id {
			return cloneSession(session), nil
		}
	}
	return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
}

// LatestSession returns the most recently created session for the job.
func (s *Storage) LatestSession(_ context.Context, jobID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.data.Sessions) - 1; i >= 0; i-- {
		if s.data.Sessions[i].JobID == jobID {
			return cloneSession(s.data.Sessions[i]), nil
		}
	}
	return models.Session{}, fmt.Errorf("session for job %s: %w", jobID, ErrNotFound)
}

func (s *Storage) LiveSession(_ context.Context, jobID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.data.Sessions) - 1; i >= 0; i-- {
		session := s.data.Sessions[i]
		if session.JobID == jobID && session.Status == models.SessionLive {
			return cloneSession(session), nil
		}
	}
	return models.Session{}, fmt.Errorf("live session for job %s: %w", jobID, ErrNotFound)
}

func (s *Storage) ListLiveSessions(context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []models.Session
	for _, session := range s.data.Sessions {
		if session.Status == models.SessionLive {
			sessions = append(sessions, cloneSession(session))
		}
	}
	return sessions, nil
}

func (s *Storage) UpdateSession(_ context.Context, id string, update SessionUpdate) (models.Session, error) {
	var updated models.Session
	err := s.mutate(func(data *dataset) error {
		for i := range data.Sessions {
			if data.Sessions[i].ID != id {
				continue
			}
			applySessionUpdate(&data.Sessions[i], update)
			data.Sessions[i].UpdatedAt = s.now()
			updated = cloneSession(data.Sessions[i])
			return nil
		}
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	})
	if err != nil {
		return models.Session{}, err
	}
	return updated, nil
}

// Page operations

func (s *Storage) UpsertPages(_ context.Context, pages []models.Page) error {
	if len(pages) == 0 {
		return nil
	}
	now := s.now()
	return s.mutate(func(data *dataset) error {
		for _, page := range pages {
			if strings.TrimSpace(page.ID) == "" {
				return fmt.Errorf("page id is required")
			}
			page.UpdatedAt = now
			data.Pages[page.ID] = page
		}
		return nil
	})
}

func (s *Storage) GetPage(_ context.Context, id string) (models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.data.Pages[id]
	if !ok {
		return models.Page{}, fmt.Errorf("page %s: %w", id, ErrNotFound)
	}
	return page, nil
}

func (s *Storage) ListPages(context.Context) ([]models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := make([]models.Page, 0, len(s.data.Pages))
	for _, page := range s.data.Pages {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Name != pages[j].Name {
			return pages[i].Name < pages[j].Name
		}
		return pages[i].ID < pages[j].ID
	})
	return pages, nil
}

// Video operations

func (s *Storage) CreateVideo(_ context.Context, params CreateVideoParams) (models.Video, error) {
	path := strings.TrimSpace(params.Path)
	if path == "" {
		return models.Video{}, fmt.Errorf("video path is required")
	}
	video := models.Video{
		ID:        generateID(),
		Path:      path,
		Filename:  strings.TrimSpace(params.Filename),
		CreatedAt: s.now(),
	}
	if video.Filename == "" {
		video.Filename = filepath.Base(path)
	}
	err := s.mutate(func(data *dataset) error {
		data.Videos = append(data.Videos, video)
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) GetVideo(_ context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, video := range s.data.Videos {
		if video.ID == id {
			return video, nil
		}
	}
	return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
}

func (s *Storage) ListVideos(context.Context) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Video(nil), s.data.Videos...), nil
}

// Profile operations

func (s *Storage) CreateProfile(_ context.Context, name string, data json.RawMessage) (models.Profile, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	profile := models.Profile{
		ID:        generateID(),
		Name:      strings.TrimSpace(name),
		Data:      append(json.RawMessage(nil), data...),
		CreatedAt: s.now(),
	}
	err := s.mutate(func(ds *dataset) error {
		ds.Profiles[profile.ID] = profile
		return nil
	})
	if err != nil {
		return models.Profile{}, err
	}
	return profile, nil
}

func (s *Storage) GetProfile(_ context.Context, id string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.data.Profiles[id]
	if !ok {
		return models.Profile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return profile, nil
}

func (s *Storage) ListProfiles(context.Context) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profiles := make([]models.Profile, 0, len(s.data.Profiles))
	for _, profile := range s.data.Profiles {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})
	return profiles, nil
}

// Settings

func (s *Storage) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data.Settings[key]
	return value, ok, nil
}

func (s *Storage) SetSetting(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("setting key is required")
	}
	return s.mutate(func(data *dataset) error {
		data.Settings[key] = value
		return nil
	})
}

func (s *Storage) ResetJobs(context.Context) error {
	return s.mutate(func(data *dataset) error {
		data.Jobs = nil
		data.Sessions = nil
		return nil
	})
}

// Snapshot returns a copy of the full dataset for migration tooling.
func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := cloneDataset(s.data)
	return Snapshot{
		Jobs:     data.Jobs,
		Sessions: data.Sessions,
		Pages:    data.Pages,
		Videos:   data.Videos,
		Profiles: data.Profiles,
		Settings: data.Settings,
	}
}
