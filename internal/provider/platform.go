package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"fieldtracker/internal/geo"
)

const (
	sourceGPS     = "gps"
	sourceNetwork = "network"

	gpsdWatchCmd = `?WATCH={"enable":true,"json":true}` + "\n"
)

// PlatformSource is the host-native positioning path: a gpsd daemon for
// satellite fixes, falling back internally to a network geolocation HTTP
// endpoint when gpsd is unreachable or cannot produce a fix in time.
type PlatformSource struct {
	gpsdAddr     string
	geolocateURL string
	fixTimeout   time.Duration
	client       *http.Client

	mu     sync.Mutex
	closed bool
}

func NewPlatformSource(gpsdAddr, geolocateURL string, fixTimeout time.Duration) *PlatformSource {
	return &PlatformSource{
		gpsdAddr:     gpsdAddr,
		geolocateURL: geolocateURL,
		fixTimeout:   fixTimeout,
		client:       &http.Client{Timeout: fixTimeout},
	}
}

func (p *PlatformSource) Name() string { return "platform" }

// tpvReport is the gpsd TPV class, reduced to the fields we read.
type tpvReport struct {
	Class string  `json:"class"`
	Mode  int     `json:"mode"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	EPX   float64 `json:"epx"`
	EPY   float64 `json:"epy"`
}

func (t tpvReport) sample() geo.Sample {
	acc := t.EPX
	if t.EPY > acc {
		acc = t.EPY
	}
	return geo.Sample{
		Latitude:  t.Lat,
		Longitude: t.Lon,
		AccuracyM: float32(acc),
		Source:    sourceGPS,
	}
}

// Current tries gpsd within the fix timeout, then the network endpoint.
func (p *PlatformSource) Current(ctx context.Context) (geo.Sample, error) {
	if err := p.checkClosed(); err != nil {
		return geo.Sample{}, err
	}

	gpsCtx, cancel := context.WithTimeout(ctx, p.fixTimeout)
	s, err := p.currentGPS(gpsCtx)
	cancel()
	if err == nil {
		return s, nil
	}
	if ctx.Err() != nil {
		return geo.Sample{}, ctx.Err()
	}
	log.Printf("gps fix unavailable, trying network location: %v", err)
	return p.currentNetwork(ctx)
}

func (p *PlatformSource) currentGPS(ctx context.Context) (geo.Sample, error) {
	conn, reader, err := p.dialGPSD(ctx)
	if err != nil {
		return geo.Sample{}, err
	}
	defer conn.Close()

	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return geo.Sample{}, ctx.Err()
			}
			return geo.Sample{}, fmt.Errorf("gpsd read: %w (%v)", geo.ErrFixTimeout, err)
		}
		var tpv tpvReport
		if err := json.Unmarshal(line, &tpv); err != nil || tpv.Class != "TPV" {
			continue
		}
		// mode 2 = 2D fix, 3 = 3D fix
		if tpv.Mode < 2 {
			continue
		}
		return tpv.sample(), nil
	}
}

func (p *PlatformSource) dialGPSD(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.gpsdAddr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("gpsd %s: %w (%v)", p.gpsdAddr, geo.ErrNoProvider, err)
	}
	if _, err := conn.Write([]byte(gpsdWatchCmd)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("gpsd watch: %w (%v)", geo.ErrProviderInternal, err)
	}
	return conn, bufio.NewReader(conn), nil
}

// geolocateResponse matches the network geolocation API shape.
type geolocateResponse struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

func (p *PlatformSource) currentNetwork(ctx context.Context) (geo.Sample, error) {
	if p.geolocateURL == "" {
		return geo.Sample{}, fmt.Errorf("network location not configured: %w", geo.ErrNoProvider)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.geolocateURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return geo.Sample{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return geo.Sample{}, ctx.Err()
		}
		return geo.Sample{}, fmt.Errorf("geolocate: %w (%v)", geo.ErrProviderInternal, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return geo.Sample{}, fmt.Errorf("geolocate status %d: %w", resp.StatusCode, geo.ErrPermissionDenied)
	}
	if resp.StatusCode >= 300 {
		return geo.Sample{}, fmt.Errorf("geolocate status %d: %w", resp.StatusCode, geo.ErrProviderInternal)
	}
	var gr geolocateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&gr); err != nil {
		return geo.Sample{}, fmt.Errorf("geolocate decode: %w", err)
	}
	return geo.Sample{
		Latitude:  gr.Location.Lat,
		Longitude: gr.Location.Lng,
		AccuracyM: float32(gr.Accuracy),
		Source:    sourceNetwork,
	}, nil
}

// Watch streams fixes at the given interval. Each tick resolves through
// the same gps-then-network path as Current; ticks with no fix available
// are skipped rather than failing the stream.
func (p *PlatformSource) Watch(ctx context.Context, interval time.Duration) (<-chan geo.Sample, error) {
	if err := p.checkClosed(); err != nil {
		return nil, err
	}
	out := make(chan geo.Sample, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, err := p.Current(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("platform watch tick: %v", err)
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is idempotent; the platform source holds no persistent native
// handles between requests.
func (p *PlatformSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *PlatformSource) checkClosed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("platform source closed: %w", geo.ErrNoProvider)
	}
	return nil
}
