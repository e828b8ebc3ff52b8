package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycast/internal/models"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestAdmissionRespectsPoolSize(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConcurrent = 2 })
	first := h.createJob(nil)
	second := h.createJob(nil)
	third := h.createJob(nil)

	h.svc.admit(h.ctx)
	p1 := h.launcher.next(t)
	p2 := h.launcher.next(t)
	h.launcher.expectNone(t)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{p1.spec.JobID, p2.spec.JobID})
	h.waitLive(first.ID, 0)
	h.waitLive(second.ID, 0)

	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)
	assert.Equal(t, models.JobQueued, h.job(third.ID).Status)

	p1.exit(0)
	h.waitStatus(p1.spec.JobID, models.JobStopped)
	h.waitIdle(p1.spec.JobID)

	h.svc.admit(h.ctx)
	p3 := h.launcher.next(t)
	assert.Equal(t, third.ID, p3.spec.JobID)
	assert.False(t, h.launcher.overlapped())
}

func TestAdmissionOrdersByPriority(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConcurrent = 1 })
	h.createJob(nil)
	urgent := h.createJob(func(p *storage.CreateJobParams) { p.Priority = 10 })

	h.svc.admit(h.ctx)
	proc := h.launcher.next(t)
	assert.Equal(t, urgent.ID, proc.spec.JobID)
}

func TestAdmissionSkipsFutureSchedule(t *testing.T) {
	h := newHarness(t, nil)
	later := h.clock.Now().Add(time.Hour)
	job := h.createJob(func(p *storage.CreateJobParams) { p.ScheduledAt = &later })

	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)

	h.clock.Advance(2 * time.Hour)
	h.svc.admit(h.ctx)
	proc := h.launcher.next(t)
	assert.Equal(t, job.ID, proc.spec.JobID)
}

func TestJobNeverRunsTwoProcesses(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(func(p *storage.CreateJobParams) { p.LoopMode = models.LoopAll })

	proc := h.startLive(job.ID)
	h.svc.admit(h.ctx)
	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)

	_, ok := h.svc.claim(job.ID)
	assert.False(t, ok, "a supervised job must not be claimed twice")

	for i := 0; i < 3; i++ {
		proc.exit(0)
		proc = h.launcher.next(t)
		h.svc.admit(h.ctx)
	}
	h.launcher.expectNone(t)
	assert.False(t, h.launcher.overlapped())
	assert.Len(t, h.svc.ActiveJobs(), 1)
}

func TestFailuresExhaustRecoveryAttempts(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxAttempts = 3 })
	job := h.createJob(nil)

	proc := h.startLive(job.ID)
	proc.exit(1)
	h.waitStatus(job.ID, models.JobFailedRecovery)
	h.waitIdle(job.ID)
	got := h.job(job.ID)
	assert.Equal(t, 1, got.RecoveryAttempts)
	assert.Contains(t, got.LastError, "exited with code 1")
	assert.Equal(t, models.SessionFailed, h.latestSession(job.ID).Status)

	proc = h.startLive(job.ID)
	assert.Equal(t, 1, h.platform.broadcastCount(), "recovery reuses the broadcast")
	proc.exit(1)
	h.waitStatus(job.ID, models.JobFailedRecovery)
	h.waitIdle(job.ID)
	assert.Equal(t, 2, h.job(job.ID).RecoveryAttempts)

	proc = h.startLive(job.ID)
	proc.exit(1)
	h.waitStatus(job.ID, models.JobFailed)
	h.waitIdle(job.ID)
	got = h.job(job.ID)
	assert.Equal(t, 3, got.RecoveryAttempts)
	assert.Contains(t, got.LastError, "attempt 3 of 3")

	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)
	assert.Equal(t, 1, h.platform.broadcastCount())
}

func TestPlaylistAdvancesAndWraps(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.playlist(3)
	job := h.createJob(func(p *storage.CreateJobParams) {
		p.VideoID = ids[0]
		p.Playlist = ids
		p.LoopMode = models.LoopAll
	})

	proc := h.startLive(job.ID)
	assert.Equal(t, h.videos[0].Path, proc.input())
	assert.False(t, proc.hasArg("-stream_loop"), "playlists advance instead of looping the input")
	firstSession := h.latestSession(job.ID)

	for index := 1; index < 3; index++ {
		proc.exit(0)
		proc = h.launcher.next(t)
		assert.Equal(t, h.videos[index].Path, proc.input())
		h.waitLive(job.ID, index)
		session := h.latestSession(job.ID)
		assert.Equal(t, firstSession.ID, session.ID, "advance keeps the session row")
		assert.Equal(t, firstSession.BroadcastID, session.BroadcastID)
	}
	assert.Equal(t, 1, h.platform.broadcastCount())

	proc.exit(0)
	proc = h.launcher.next(t)
	assert.Equal(t, h.videos[0].Path, proc.input(), "LoopAll wraps to the first item")
	h.waitLive(job.ID, 0)
	assert.Equal(t, 2, h.platform.broadcastCount(), "the first item opens a new broadcast")
	assert.NotEqual(t, firstSession.ID, h.latestSession(job.ID).ID)

	stopped, err := h.store.GetSession(h.ctx, firstSession.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, stopped.Status)
}

func TestPlaylistWithoutLoopStopsAtEnd(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.playlist(2)
	job := h.createJob(func(p *storage.CreateJobParams) {
		p.VideoID = ids[0]
		p.Playlist = ids
	})

	proc := h.startLive(job.ID)
	proc.exit(0)
	proc = h.launcher.next(t)
	h.waitLive(job.ID, 1)
	proc.exit(0)

	h.waitStatus(job.ID, models.JobStopped)
	h.waitIdle(job.ID)
	assert.Equal(t, models.SessionStopped, h.latestSession(job.ID).Status)
	h.launcher.expectNone(t)
}

func TestLoopOneRepeatsSameItem(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.playlist(3)
	job := h.createJob(func(p *storage.CreateJobParams) {
		p.VideoID = ids[0]
		p.Playlist = ids
		p.LoopMode = models.LoopOne
	})

	proc := h.startLive(job.ID)
	for i := 0; i < 3; i++ {
		proc.exit(0)
		proc = h.launcher.next(t)
		assert.Equal(t, h.videos[0].Path, proc.input())
	}
	h.waitLive(job.ID, 0)
}

func TestSingleItemLoopOffStops(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(nil)

	proc := h.startLive(job.ID)
	assert.False(t, proc.hasArg("-stream_loop"))
	proc.exit(0)

	h.waitStatus(job.ID, models.JobStopped)
	h.waitIdle(job.ID)
	h.launcher.expectNone(t)
	session := h.latestSession(job.ID)
	assert.Equal(t, models.SessionStopped, session.Status)
	require.NotNil(t, session.EndedAt)
}

func TestSingleItemLoopAllRestartsIndefinitely(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(func(p *storage.CreateJobParams) { p.LoopMode = models.LoopAll })

	proc := h.startLive(job.ID)
	assert.True(t, proc.hasArg("-stream_loop"), "a single looping item loops its input")
	for i := 0; i < 5; i++ {
		proc.exit(0)
		proc = h.launcher.next(t)
		assert.Equal(t, h.videos[0].Path, proc.input())
		assert.NotEqual(t, models.JobStopped, h.job(job.ID).Status)
	}
	assert.Equal(t, 6, h.launcher.launches())
	h.waitLive(job.ID, 0)
}

func TestExpiredPageTokenIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPage("page-2", "Second Page", "stale-2")
	h.platform.validTokens["page-1"] = "fresh-1"
	h.platform.remotePages = []platform.PageCredential{
		{ID: "page-1", Name: "Main Page", AccessToken: "fresh-1"},
		{ID: "page-2", Name: "Second Page", AccessToken: "fresh-2"},
	}
	job := h.createJob(nil)

	h.startLive(job.ID)
	assert.Equal(t, 1, h.platform.broadcastCount())
	assert.Equal(t, 1, h.platform.listCalls)
	assert.Equal(t, "fresh-1", h.pageTokenOf("page-1"))
	assert.Equal(t, "fresh-2", h.pageTokenOf("page-2"), "every page in the batch is re-encrypted")
	assert.Contains(t, h.metricsText(), `relaycast_credential_refresh_total{result="success"} 1`)
}

func TestUnrecoverableCredentialFailsWithOriginalError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.SetSetting(h.ctx, models.SettingAccountToken, ""))
	h.platform.validTokens["page-1"] = "fresh-1"
	job := h.createJob(nil)

	h.svc.admit(h.ctx)
	h.waitStatus(job.ID, models.JobFailed)
	h.waitIdle(job.ID)
	got := h.job(job.ID)
	assert.Contains(t, got.LastError, "Session has expired")
	assert.Equal(t, 0, h.launcher.launches())
	assert.Contains(t, h.metricsText(), `relaycast_credential_refresh_total{result="missing_account"} 1`)
}

func TestPageDetailsUpdatesStoredPage(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.details = map[string]platform.PageDetails{
		"page-1": {ID: "page-1", Name: "Main Page Live", Category: "Media", FanCount: 1200},
	}

	details, err := h.svc.PageDetails(h.ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), details.FanCount)
	page, err := h.store.GetPage(h.ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, "Main Page Live", page.Name)
	assert.Equal(t, "Media", page.Category)
	assert.Equal(t, "page-token", h.pageTokenOf("page-1"))

	_, err = h.svc.PageDetails(h.ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPageDetailsRecoversExpiredToken(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.validTokens["page-1"] = "fresh-1"
	h.platform.remotePages = []platform.PageCredential{{ID: "page-1", Name: "Main Page", AccessToken: "fresh-1"}}
	h.platform.details = map[string]platform.PageDetails{"page-1": {ID: "page-1", Name: "Main Page", Category: "News"}}

	details, err := h.svc.PageDetails(h.ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, "News", details.Category)
	assert.Equal(t, "fresh-1", h.pageTokenOf("page-1"), "refreshed token survives the details write-back")
}

func TestRetryWithRefreshedTokenFailureReturnsOriginal(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.validTokens["page-1"] = "fresh-1"
	h.platform.remotePages = []platform.PageCredential{{ID: "page-1", Name: "Main Page", AccessToken: "still-wrong"}}

	err := h.svc.withPageToken(h.ctx, "page-1", "create_broadcast", func(token string) error {
		_, err := h.platform.CreateBroadcast(h.ctx, "page-1", token, platform.BroadcastParams{Title: "x"})
		return err
	})
	require.Error(t, err)
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, platform.IsCredentialError(err))
	assert.Equal(t, "still-wrong", h.pageTokenOf("page-1"))
}

func TestNonCredentialErrorIsNotRecovered(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	err := h.svc.withPageToken(h.ctx, "page-1", "live_status", func(string) error {
		calls++
		return errUnreachable
	})
	require.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.platform.listCalls)
}

func TestCircuitBreakerTripsOnFifthFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.setStatusFn(func(int) (platform.LiveStatus, error) {
		return platform.LiveStatus{}, errUnreachable
	})
	job := h.createJob(nil)
	proc := h.startLive(job.ID)
	h.clock.Advance(2 * time.Minute)

	for i := 0; i < 4; i++ {
		h.svc.poll(h.ctx)
	}
	assert.Equal(t, models.JobLive, h.job(job.ID).Status)
	assert.Equal(t, 4, h.latestSession(job.ID).APIFailures)
	assert.False(t, proc.terminated.Load())

	h.svc.poll(h.ctx)
	assert.True(t, proc.terminated.Load())
	h.waitIdle(job.ID)
	got := h.job(job.ID)
	assert.Equal(t, models.JobCircuitBreaker, got.Status)
	assert.Contains(t, got.LastError, "circuit breaker")
	assert.Equal(t, models.SessionFailed, h.latestSession(job.ID).Status)
	assert.Contains(t, h.metricsText(), "relaycast_circuit_breaker_trips_total 1")

	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)
}

func TestCircuitBreakerCounterResetsOnSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.setStatusFn(func(call int) (platform.LiveStatus, error) {
		if call == 5 {
			return platform.LiveStatus{ID: "b-1", Status: "LIVE", LiveViews: 3}, nil
		}
		return platform.LiveStatus{}, errUnreachable
	})
	job := h.createJob(nil)
	proc := h.startLive(job.ID)
	h.clock.Advance(2 * time.Minute)

	for i := 0; i < 9; i++ {
		h.svc.poll(h.ctx)
	}
	assert.Equal(t, models.JobLive, h.job(job.ID).Status)
	session := h.latestSession(job.ID)
	assert.Equal(t, 4, session.APIFailures)
	assert.Equal(t, 3, session.PeakViewers)
	assert.False(t, proc.terminated.Load())
}

func TestPollTracksPeakViewers(t *testing.T) {
	h := newHarness(t, nil)
	views := []int{10, 25, 4}
	h.platform.setStatusFn(func(call int) (platform.LiveStatus, error) {
		return platform.LiveStatus{ID: "b-1", Status: "LIVE", LiveViews: views[call-1]}, nil
	})
	job := h.createJob(nil)
	h.startLive(job.ID)

	h.svc.poll(h.ctx)
	assert.Equal(t, 0, h.platform.statusCalls, "young sessions are not polled")

	h.clock.Advance(2 * time.Minute)
	for range views {
		h.svc.poll(h.ctx)
	}
	session := h.latestSession(job.ID)
	assert.Equal(t, 25, session.PeakViewers)
	assert.Equal(t, 4, session.LastViewers)
}

func TestRemoteEndedBroadcastStopsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.setStatusFn(func(int) (platform.LiveStatus, error) {
		return platform.LiveStatus{ID: "b-1", Status: "LIVE_STOPPED"}, nil
	})
	job := h.createJob(func(p *storage.CreateJobParams) { p.LoopMode = models.LoopAll })
	proc := h.startLive(job.ID)
	h.clock.Advance(2 * time.Minute)

	h.svc.poll(h.ctx)
	assert.True(t, proc.terminated.Load())
	h.waitStatus(job.ID, models.JobStopped)
	h.waitIdle(job.ID)
	assert.Equal(t, models.SessionStopped, h.latestSession(job.ID).Status)
	h.launcher.expectNone(t)
}

func TestFirstCommentPostedOnceAfterDelay(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PollInterval = time.Hour })
	job := h.createJob(func(p *storage.CreateJobParams) { p.FirstComment = "Welcome to the stream!" })
	h.startLive(job.ID)

	h.clock.Advance(10 * time.Second)
	h.svc.poll(h.ctx)
	assert.Equal(t, 0, h.platform.commentCount())

	h.clock.Advance(5 * time.Second)
	h.svc.poll(h.ctx)
	assert.Equal(t, 0, h.platform.commentCount(), "exactly the delay is not enough")

	h.clock.Advance(time.Second)
	h.svc.poll(h.ctx)
	h.svc.poll(h.ctx)
	h.svc.poll(h.ctx)
	require.Equal(t, 1, h.platform.commentCount())
	assert.Equal(t, "v-1", h.platform.targets[0], "comments target the video object")
	assert.True(t, h.latestSession(job.ID).CommentPosted)
	assert.Contains(t, h.metricsText(), "relaycast_comments_posted_total 1")
}

func TestStopJobTerminatesProcess(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(func(p *storage.CreateJobParams) { p.LoopMode = models.LoopAll })
	proc := h.startLive(job.ID)

	got, err := h.svc.StopJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, []models.JobStatus{models.JobStopping, models.JobStopped}, got.Status)
	assert.True(t, proc.terminated.Load())

	h.waitStatus(job.ID, models.JobStopped)
	h.waitIdle(job.ID)
	assert.Equal(t, models.SessionStopped, h.latestSession(job.ID).Status)
	h.launcher.expectNone(t)
}

func TestStopJobForcesZombieRows(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(nil)
	live := models.JobLive
	_, err := h.store.UpdateJob(h.ctx, job.ID, storage.JobUpdate{Status: &live})
	require.NoError(t, err)
	_, err = h.store.CreateSession(h.ctx, storage.CreateSessionParams{JobID: job.ID, BroadcastID: "b-9", IngestURL: "rtmp://x", StartedAt: h.clock.Now()})
	require.NoError(t, err)

	got, err := h.svc.StopJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStopped, got.Status)
	assert.Equal(t, models.SessionStopped, h.latestSession(job.ID).Status)

	_, err = h.svc.StopJob(h.ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStopAllSweepsSupervisedAndZombies(t *testing.T) {
	h := newHarness(t, nil)
	supervised := h.createJob(func(p *storage.CreateJobParams) { p.LoopMode = models.LoopAll })
	proc := h.startLive(supervised.ID)

	zombie := h.createJob(nil)
	stopping := models.JobStopping
	_, err := h.store.UpdateJob(h.ctx, zombie.ID, storage.JobUpdate{Status: &stopping})
	require.NoError(t, err)

	stopped, err := h.svc.StopAll(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)
	assert.True(t, proc.terminated.Load())
	h.waitStatus(supervised.ID, models.JobStopped)
	h.waitStatus(zombie.ID, models.JobStopped)
}

func TestRestartJobRequeuesAndKeepsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	later := h.clock.Now().Add(24 * time.Hour)
	job := h.createJob(func(p *storage.CreateJobParams) { p.ScheduledAt = &later })
	failed := models.JobFailed
	attempts := 1
	_, err := h.store.UpdateJob(h.ctx, job.ID, storage.JobUpdate{Status: &failed, RecoveryAttempts: &attempts})
	require.NoError(t, err)

	got, err := h.svc.RestartJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, 1, got.RecoveryAttempts)
	assert.Nil(t, got.ScheduledAt)

	proc := h.startLive(job.ID)
	_, err = h.svc.RestartJob(h.ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobActive)
	proc.exit(0)
	h.waitStatus(job.ID, models.JobStopped)

	_, err = h.svc.RestartJob(h.ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRestartAtMaxAttemptsIsNotAdmitted(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxAttempts = 3 })
	job := h.createJob(nil)
	failed := models.JobFailed
	attempts := 3
	_, err := h.store.UpdateJob(h.ctx, job.ID, storage.JobUpdate{Status: &failed, RecoveryAttempts: &attempts})
	require.NoError(t, err)

	got, err := h.svc.RestartJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)
}

func TestUpdateLiveMetadata(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(nil)
	title, description := "New title", "New description"

	err := h.svc.UpdateLiveMetadata(h.ctx, job.ID, LiveMetadata{Title: &title, Description: &description})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	h.startLive(job.ID)
	require.NoError(t, h.svc.UpdateLiveMetadata(h.ctx, job.ID, LiveMetadata{Title: &title, Description: &description}))
	require.Len(t, h.platform.updates, 1)
	assert.Equal(t, platform.BroadcastParams{Title: title, Description: description}, h.platform.updates[0])
	got := h.job(job.ID)
	assert.Equal(t, "New title", got.TitleTemplate)
	assert.Equal(t, "New description", got.DescriptionTemplate)

	assert.ErrorIs(t, h.svc.UpdateLiveMetadata(h.ctx, "missing", LiveMetadata{Title: &title}), ErrJobNotFound)
	assert.ErrorIs(t, h.svc.UpdateLiveMetadata(h.ctx, job.ID, LiveMetadata{}), ErrInvalidRequest)
}

func TestUpdateLiveMetadataRendersProvidedFieldsOnly(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(func(p *storage.CreateJobParams) {
		p.TitleTemplate = "{page}: {filename} #{index}"
	})
	h.startLive(job.ID)

	description := "Now showing {filename} on {page}"
	require.NoError(t, h.svc.UpdateLiveMetadata(h.ctx, job.ID, LiveMetadata{Description: &description}))
	require.Len(t, h.platform.updates, 1)
	assert.Equal(t, platform.BroadcastParams{Description: "Now showing intro_clip on Main Page"}, h.platform.updates[0])

	got := h.job(job.ID)
	assert.Equal(t, "{page}: {filename} #{index}", got.TitleTemplate)
	assert.Equal(t, description, got.DescriptionTemplate)

	blank := "  "
	require.NoError(t, h.svc.UpdateLiveMetadata(h.ctx, job.ID, LiveMetadata{Title: &blank}))
	require.Len(t, h.platform.updates, 2)
	assert.Equal(t, platform.BroadcastParams{Title: "Live: Intro Clip"}, h.platform.updates[1])
	assert.Empty(t, h.job(job.ID).TitleTemplate)
}

func TestBroadcastTitleFromTemplateOrFilename(t *testing.T) {
	h := newHarness(t, nil)
	plain := h.createJob(nil)
	h.startLive(plain.ID)
	templated := h.createJob(func(p *storage.CreateJobParams) {
		p.VideoID = h.videos[1].ID
		p.TitleTemplate = "{page}: {filename} #{index}"
	})
	h.startLive(templated.ID)

	require.Len(t, h.platform.broadcasts, 2)
	assert.Equal(t, "Live: Intro Clip", h.platform.broadcasts[0].Title)
	assert.Equal(t, "Main Page: main-feature #1", h.platform.broadcasts[1].Title)
}

func TestCreateJobsGridAndPlaylist(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPage("page-2", "Second Page", "token-2")
	videos := h.playlist(2)

	jobs, err := h.svc.CreateJobs(h.ctx, CreateJobsRequest{PageIDs: []string{"page-1", "page-2"}, VideoIDs: videos})
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
	for _, job := range jobs {
		assert.Equal(t, models.JobQueued, job.Status)
		assert.Equal(t, models.LoopOff, job.LoopMode)
		assert.Empty(t, job.Playlist)
	}

	profile, err := h.store.CreateProfile(h.ctx, "looping", json.RawMessage(`{"loop":"loop_all"}`))
	require.NoError(t, err)
	jobs, err = h.svc.CreateJobs(h.ctx, CreateJobsRequest{
		PageIDs:   []string{"page-1", "page-2"},
		VideoIDs:  videos,
		Playlist:  true,
		ProfileID: profile.ID,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, videos, job.Playlist)
		assert.Equal(t, models.LoopAll, job.LoopMode, "the profile supplies the default loop mode")
	}
}

func TestCreateJobsValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]CreateJobsRequest{
		"no pages":        {VideoIDs: []string{h.videos[0].ID}},
		"no videos":       {PageIDs: []string{"page-1"}},
		"unknown page":    {PageIDs: []string{"nope"}, VideoIDs: []string{h.videos[0].ID}},
		"unknown video":   {PageIDs: []string{"page-1"}, VideoIDs: []string{"nope"}},
		"unknown profile": {PageIDs: []string{"page-1"}, VideoIDs: []string{h.videos[0].ID}, ProfileID: "nope"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.CreateJobs(h.ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestListJobsJoinsNames(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.playlist(2)
	job := h.createJob(func(p *storage.CreateJobParams) {
		p.VideoID = ids[0]
		p.Playlist = ids
		p.LoopMode = models.LoopAll
	})
	later := h.clock.Now().Add(time.Hour)
	idle := h.createJob(func(p *storage.CreateJobParams) { p.ScheduledAt = &later })
	h.startLive(job.ID)
	h.launcher.expectNone(t)
	assert.NotContains(t, h.svc.ActiveJobs(), idle.ID)

	views, err := h.svc.ListJobs(h.ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	byID := map[string]JobView{}
	for _, v := range views {
		byID[v.Job.ID] = v
	}
	active := byID[job.ID]
	assert.Equal(t, "Main Page", active.PageName)
	assert.Equal(t, []string{"intro_clip.mp4", "main-feature.mp4"}, active.VideoNames)
	require.NotNil(t, active.Session)
	assert.True(t, active.Active)
	assert.Nil(t, byID[idle.ID].Session)
	assert.False(t, byID[idle.ID].Active)
}

func TestLaunchFailureFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.setErr(assert.AnError)
	job := h.createJob(nil)

	h.svc.admit(h.ctx)
	h.waitStatus(job.ID, models.JobFailed)
	h.waitIdle(job.ID)
	assert.Contains(t, h.job(job.ID).LastError, "spawn transcoder")
}

// flakyStore fails the first status change to one state.
type flakyStore struct {
	storage.Repository
	status models.JobStatus
	failed atomic.Bool
}

func (f *flakyStore) UpdateJob(ctx context.Context, id string, update storage.JobUpdate) (models.Job, error) {
	if update.Status != nil && *update.Status == f.status && f.failed.CompareAndSwap(false, true) {
		return models.Job{}, errors.New("database is locked")
	}
	return f.Repository.UpdateJob(ctx, id, update)
}

func TestStoreFailureBeforeStartFailsJob(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Store = &flakyStore{Repository: cfg.Store, status: models.JobStarting}
	})
	job := h.createJob(nil)

	h.svc.admit(h.ctx)
	h.waitStatus(job.ID, models.JobFailed)
	h.waitIdle(job.ID)
	h.launcher.expectNone(t)
	assert.Contains(t, h.job(job.ID).LastError, "database is locked")

	h.svc.admit(h.ctx)
	h.launcher.expectNone(t)
	assert.Equal(t, models.JobFailed, h.job(job.ID).Status)
}

func TestShutdownLeavesJobsRecoverable(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(func(p *storage.CreateJobParams) { p.LoopMode = models.LoopAll })
	proc := h.startLive(job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.True(t, proc.terminated.Load())
	got := h.job(job.ID)
	assert.Equal(t, models.JobFailedRecovery, got.Status)
	assert.Equal(t, 0, got.RecoveryAttempts)
	assert.Equal(t, models.SessionStopped, h.latestSession(job.ID).Status)
	assert.Empty(t, h.svc.ActiveJobs())

	_, ok := h.svc.claim("another")
	assert.False(t, ok)
}

func TestStartReconcilesOrphanedRows(t *testing.T) {
	h := newHarness(t, nil)
	orphan := h.createJob(nil)
	live := models.JobLive
	_, err := h.store.UpdateJob(h.ctx, orphan.ID, storage.JobUpdate{Status: &live})
	require.NoError(t, err)
	_, err = h.store.CreateSession(h.ctx, storage.CreateSessionParams{JobID: orphan.ID, BroadcastID: "b-1", IngestURL: "rtmp://x", StartedAt: h.clock.Now()})
	require.NoError(t, err)
	stopping := h.createJob(nil)
	status := models.JobStopping
	_, err = h.store.UpdateJob(h.ctx, stopping.ID, storage.JobUpdate{Status: &status})
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(h.ctx))
	assert.ErrorIs(t, h.svc.Start(h.ctx), ErrNotRunning)

	assert.Equal(t, models.JobFailedRecovery, h.job(orphan.ID).Status)
	assert.Equal(t, models.SessionStopped, h.latestSession(orphan.ID).Status)
	assert.Equal(t, models.JobStopped, h.job(stopping.ID).Status)
}

func TestStartedLoopsAdmitOnTick(t *testing.T) {
	tickers := make(chan *manualTicker, 2)
	h := newHarness(t, func(cfg *Config) {
		cfg.NewTicker = func(time.Duration) loopTicker {
			mt := &manualTicker{ch: make(chan time.Time)}
			tickers <- mt
			return mt
		}
	})
	job := h.createJob(nil)
	require.NoError(t, h.svc.Start(h.ctx))

	admission := <-tickers
	admission.ch <- h.clock.Now()
	proc := h.launcher.next(t)
	assert.Equal(t, job.ID, proc.spec.JobID)
}

func TestLinkAccountStoresTokenAndSyncsPages(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.remotePages = []platform.PageCredential{
		{ID: "page-1", Name: "Main Page", Category: "Media", AccessToken: "p1"},
		{ID: "page-3", Name: "Third", AccessToken: "p3"},
	}

	account, pages, err := h.svc.LinkAccount(h.ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account.ID)
	assert.Len(t, pages, 2)
	assert.Equal(t, "p3", h.pageTokenOf("page-3"))
	token, err := h.svc.accountToken(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "long-short", token)

	_, _, err = h.svc.LinkAccount(h.ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
