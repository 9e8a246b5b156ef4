package synthara

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara/pkg/filestore"
	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/igolaizola/synthara/pkg/synth"
)

type Config struct {
	Endpoints   mode.Endpoints
	ModalKey    string
	ModalSecret string
	Proxy       string
	Timeout     time.Duration
	Debug       bool

	// Optional file storage used to download the generated assets
	FSType string
	FSConn string
}

// GenerateSong calls the synthesis service once for the request, outside of
// any workflow, and downloads the assets to the output folder if set.
func GenerateSong(ctx context.Context, cfg *Config, req mode.Request, output string) (*synth.Result, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	httpClient := &http.Client{
		Timeout: timeout,
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		httpClient.Transport = &http.Transport{
			Proxy: http.ProxyURL(u),
		}
	}
	var fs *filestore.Store
	if output != "" {
		if cfg.FSType == "" {
			return nil, errors.New("output requires a file storage")
		}
		var err error
		fs, err = filestore.New(cfg.FSType, cfg.FSConn, cfg.Debug)
		if err != nil {
			return nil, fmt.Errorf("couldn't create file storage: %w", err)
		}
		if err := os.MkdirAll(output, 0755); err != nil {
			return nil, fmt.Errorf("couldn't create output directory: %w", err)
		}
	}

	sel := mode.Select(req, mode.NewSeed())
	endpoint, ok := cfg.Endpoints.For(sel.Kind)
	if !ok {
		return nil, fmt.Errorf("no endpoint for mode %s", sel.Kind)
	}
	log.Info("generating song", "mode", sel.Kind, "seed", sel.Payload.Seed)

	client := synth.New(&synth.Config{
		Key:    cfg.ModalKey,
		Secret: cfg.ModalSecret,
		Client: httpClient,
		Debug:  cfg.Debug,
	})
	res, err := client.Invoke(ctx, endpoint, sel.Payload)
	if err != nil {
		return nil, fmt.Errorf("couldn't generate song: %w", err)
	}
	if !res.Success {
		return res, fmt.Errorf("song rejected: %s", res.Reason)
	}
	for _, k := range []*string{res.AudioKey, res.ThumbnailKey} {
		if k == nil {
			continue
		}
		log.Info("asset", "key", *k)
		if fs == nil {
			continue
		}
		dst := filepath.Join(output, path.Base(*k))
		if err := fs.Download(ctx, *k, dst); err != nil {
			return res, fmt.Errorf("couldn't download %s: %w", *k, err)
		}
		log.Info("downloaded", "path", dst)
	}
	return res, nil
}
