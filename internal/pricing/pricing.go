package pricing

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// modelPrice is the per-1K-token price of one model.
type modelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

type fileFormat struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]modelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// Table maps model identifiers to token prices, loaded from a yaml file and
// hot-reloaded when the file changes.
type Table struct {
	mu       sync.RWMutex
	models   map[string]modelPrice
	fallback float64
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// Load reads the pricing file. A missing file yields an empty table that
// prices everything at the built-in default.
func Load(path string, logger *zap.Logger) (*Table, error) {
	t := &Table{
		models:   make(map[string]modelPrice),
		fallback: 0.002, // combined per 1K, conservative default
		path:     path,
		logger:   logger,
	}
	if err := t.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		logger.Warn("pricing file not found, using defaults", zap.String("path", path))
	}
	return t, nil
}

func (t *Table) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse pricing file %s: %w", t.path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.models = f.Pricing.Models
	if t.models == nil {
		t.models = make(map[string]modelPrice)
	}
	if f.Pricing.Defaults.CombinedPer1K > 0 {
		t.fallback = f.Pricing.Defaults.CombinedPer1K
	}
	t.logger.Info("pricing table loaded",
		zap.String("path", t.path),
		zap.Int("models", len(t.models)),
	)
	return nil
}

// Watch reloads the table whenever the pricing file is rewritten.
func (t *Table) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pricing watcher: %w", err)
	}
	if err := w.Add(t.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", t.path, err)
	}
	t.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := t.reload(); err != nil {
						t.logger.Warn("pricing reload failed", zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				t.logger.Warn("pricing watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (t *Table) Close() {
	if t.watcher != nil {
		t.watcher.Close()
	}
}

// CostUSD estimates the cost of a call in USD from provider-reported counts.
func (t *Table) CostUSD(model string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.models[model]; ok {
		if p.InputPer1K > 0 || p.OutputPer1K > 0 {
			return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
		}
		if p.CombinedPer1K > 0 {
			return float64(inputTokens+outputTokens) / 1000 * p.CombinedPer1K
		}
	}
	return float64(inputTokens+outputTokens) / 1000 * t.fallback
}
