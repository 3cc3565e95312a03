package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-loopback/internal/notify"
	"github.com/oszuidwest/zwfm-loopback/internal/types"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

const (
	releaseRepo          = "oszuidwest/zwfm-loopback"
	releaseCheckInterval = 24 * time.Hour
	releaseCheckDelay    = 30 * time.Second
	releaseCheckTimeout  = 30 * time.Second
	releaseAttempts      = 3
	releaseRetryInitial  = time.Minute
	releaseRetryMax      = 15 * time.Minute
)

// errReleaseUnavailable marks a check that may succeed when retried.
var errReleaseUnavailable = errors.New("release feed unavailable")

// releaseAdvisor receives the update advisory.
type releaseAdvisor interface {
	Advise(a notify.Advisory) bool
}

// VersionChecker polls the GitHub release feed and raises an update advisory
// once per newly published release. It is safe for concurrent use.
type VersionChecker struct {
	apiURL  string
	client  *http.Client
	current string
	advisor releaseAdvisor
	delay   time.Duration
	retry   *util.Backoff

	mu         sync.RWMutex
	latest     string
	releaseURL string
	etag       string
}

// NewVersionChecker returns a checker for the running build. advisor may be nil.
func NewVersionChecker(advisor releaseAdvisor) *VersionChecker {
	return newVersionChecker("https://api.github.com/repos/"+releaseRepo+"/releases/latest", http.DefaultClient, Version, advisor)
}

func newVersionChecker(apiURL string, client *http.Client, current string, advisor releaseAdvisor) *VersionChecker {
	return &VersionChecker{
		apiURL:  apiURL,
		client:  client,
		current: normalizeVersion(current),
		advisor: advisor,
		delay:   releaseCheckDelay,
		retry:   util.NewBackoff(releaseRetryInitial, releaseRetryMax),
	}
}

// Run checks once shortly after start-up and then daily until ctx is canceled.
func (vc *VersionChecker) Run(ctx context.Context) error {
	timer := time.NewTimer(vc.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		vc.checkWithRetry(ctx)
		timer.Reset(releaseCheckInterval)
	}
}

func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	defer vc.retry.Reset()

	for attempt := 1; ; attempt++ {
		err := vc.check(ctx)
		if err == nil {
			return
		}
		if !errors.Is(err, errReleaseUnavailable) || attempt == releaseAttempts {
			slog.Debug("release check failed", "attempts", attempt, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(vc.retry.Next()):
		}
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	HTMLURL    string `json:"html_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release. A nil error means the feed answered,
// including "not modified" and "no releases yet".
func (vc *VersionChecker) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, releaseCheckTimeout, errors.New("github API request timeout"))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.apiURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "zwfm-loopback/"+vc.current)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errReleaseUnavailable, err)
	}
	defer util.SafeCloseFunc(resp.Body, "release response")()

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", errReleaseUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("release feed returned status %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return fmt.Errorf("%w: %w", errReleaseUnavailable, err)
	}
	if rel.Draft || rel.Prerelease {
		return nil
	}
	if rel.TagName == "" {
		return fmt.Errorf("%w: release without tag", errReleaseUnavailable)
	}

	latest := normalizeVersion(rel.TagName)
	vc.mu.Lock()
	changed := vc.latest != latest
	vc.latest = latest
	vc.releaseURL = rel.HTMLURL
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.mu.Unlock()

	if changed && vc.updateAvailable(latest) {
		vc.announce(latest, rel.HTMLURL)
	}
	return nil
}

// announce logs a newer release and hands it to the advisor.
func (vc *VersionChecker) announce(latest, url string) {
	slog.Info("new release available", "current", vc.current, "latest", latest, "url", url)
	if vc.advisor == nil {
		return
	}
	a := notify.Advisory{
		Kind:    notify.KindUpdateAvailable,
		Message: fmt.Sprintf("%s %s is available, this recorder runs %s", notify.AppName, latest, vc.current),
	}
	if url != "" {
		a.Advice = []string{"install the new release between recordings: " + url}
	}
	vc.advisor.Advise(a)
}

func (vc *VersionChecker) updateAvailable(latest string) bool {
	if latest == "" || vc.current == "dev" || vc.current == "unknown" {
		return false
	}
	return isNewerVersion(latest, vc.current)
}

// Info returns the version block of the status message.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	info := types.VersionInfo{
		Current:     vc.current,
		Latest:      vc.latest,
		UpdateAvail: vc.updateAvailable(vc.latest),
		Commit:      Commit,
		BuildTime:   util.FormatHumanTime(BuildTime),
	}
	if info.UpdateAvail {
		info.ReleaseURL = vc.releaseURL
	}
	return info
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is newer than current. Both may omit the leading v.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
