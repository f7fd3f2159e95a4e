package builtin

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// SpeedResult is one measurement. JSON tags are stable; results are
// appended to the history file as NDJSON.
type SpeedResult struct {
	Timestamp    time.Time     `json:"timestamp"`
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
	PingMs       float64       `json:"ping_ms"`
	ISP          string        `json:"isp"`
	ServerName   string        `json:"server_name"`
	Country      string        `json:"server_country"`
	Duration     time.Duration `json:"-"`
}

type MeasureFunc func(ctx context.Context, candidates int) (*SpeedResult, error)

var ErrBelowThreshold = errors.New("speed below threshold")

// Speedtest measures bandwidth. Properties:
//
//	candidates         servers pinged before the full test (default 5)
//	timeout            bound for one run (default 2m)
//	min_download_mbps  fail the run below this download speed
//	history_file       append each result as a JSON line
type Speedtest struct {
	task.Base
	log     logx.Logger
	measure MeasureFunc

	mu   sync.Mutex
	last *SpeedResult
}

func (s *Speedtest) Execute(ctx context.Context) error {
	def := s.Definition()
	candidates, _ := strconv.Atoi(def.Property("candidates", "5"))
	timeout, err := time.ParseDuration(def.Property("timeout", "2m"))
	if err != nil {
		return fmt.Errorf("timeout property: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.measure(ctx, candidates)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	s.log.Info("speedtest finished",
		logx.String("task", def.Name),
		logx.Any("download_mbps", res.DownloadMbps),
		logx.Any("upload_mbps", res.UploadMbps),
		logx.Any("ping_ms", res.PingMs),
		logx.String("server", res.ServerName),
		logx.Duration("took", res.Duration),
	)
	if path := def.Property("history_file", ""); path != "" {
		if err := appendResult(path, res); err != nil {
			s.log.Warn("speedtest history append failed", logx.String("path", path), logx.Err(err))
		}
	}
	if v := def.Property("min_download_mbps", ""); v != "" {
		floor, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("min_download_mbps property: %w", err)
		}
		if res.DownloadMbps < floor {
			return fmt.Errorf("%w: download %.1f Mbps < %.1f", ErrBelowThreshold, res.DownloadMbps, floor)
		}
	}
	return nil
}

// Last returns the most recent result, or nil.
func (s *Speedtest) Last() *SpeedResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func appendResult(path string, res *SpeedResult) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(append(b, '\n'))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Measure runs a speedtest against the lowest-latency of the nearest
// candidate servers.
func Measure(ctx context.Context, candidates int) (*SpeedResult, error) {
	if candidates <= 0 {
		candidates = 5
	}
	start := time.Now()
	// Use a private client; the package-level helpers keep global state.
	stc := st.New()
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}
	slices.SortFunc(servers, func(a, b *st.Server) int { return cmp.Compare(a.Distance, b.Distance) })
	if candidates > len(servers) {
		candidates = len(servers)
	}

	var best *st.Server
	for _, s := range servers[:candidates] {
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}
	return &SpeedResult{
		Timestamp:    time.Now(),
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency.Microseconds()) / 1000,
		ISP:          user.Isp,
		ServerName:   best.Sponsor,
		Country:      best.Country,
		Duration:     time.Since(start),
	}, nil
}
