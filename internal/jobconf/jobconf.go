// Package jobconf carries load state between the phases of a job and out to
// task processes. Values are stored YAML-encoded under fixed keys.
package jobconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
)

const (
	KeyLoadModel = "segment.loader.load_model"
	KeyOverwrite = "segment.loader.overwrite"
	KeyHandle    = "segment.loader.handle"
)

// ErrMissing is returned when a key has not been set.
var ErrMissing = errors.New("job configuration key not set")

// Conf is a string key/value carrier safe for concurrent use.
type Conf struct {
	mu     sync.RWMutex
	values map[string]string
}

// New returns an empty carrier.
func New() *Conf {
	return &Conf{values: make(map[string]string)}
}

// Set stores a raw value.
func (c *Conf) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns a raw value.
func (c *Conf) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// SetLoadModel stores the load model.
func (c *Conf) SetLoadModel(m loadmodel.LoadModel) error {
	return c.setYAML(KeyLoadModel, m)
}

// GetLoadModel decodes the stored load model.
func (c *Conf) GetLoadModel() (loadmodel.LoadModel, error) {
	var m loadmodel.LoadModel
	if err := c.getYAML(KeyLoadModel, &m); err != nil {
		return loadmodel.LoadModel{}, err
	}
	return m, nil
}

// SetOverwrite records whether the job requested an overwrite load.
func (c *Conf) SetOverwrite(overwrite bool) {
	c.Set(KeyOverwrite, strconv.FormatBool(overwrite))
}

// IsOverwriteSet reports the overwrite flag. Unset or malformed means false.
func (c *Conf) IsOverwriteSet() bool {
	v, ok := c.Get(KeyOverwrite)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// SetHandle stores the handle setup returned.
func (c *Conf) SetHandle(h loadmodel.Handle) error {
	return c.setYAML(KeyHandle, h)
}

// GetHandle decodes the stored handle.
func (c *Conf) GetHandle() (loadmodel.Handle, error) {
	var h loadmodel.Handle
	if err := c.getYAML(KeyHandle, &h); err != nil {
		return loadmodel.Handle{}, err
	}
	return h, nil
}

func (c *Conf) setYAML(key string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	c.Set(key, string(data))
	return nil
}

func (c *Conf) getYAML(key string, v any) error {
	raw, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissing, key)
	}
	if err := yaml.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// WriteFile saves the carrier as a YAML map, replacing path atomically.
func (c *Conf) WriteFile(path string) error {
	c.mu.RLock()
	data, err := yaml.Marshal(c.values)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode job configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename job configuration: %w", err)
	}
	return nil
}

// ReadFile loads a carrier written by WriteFile.
func ReadFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job configuration: %w", err)
	}
	c := New()
	if err := yaml.Unmarshal(data, &c.values); err != nil {
		return nil, fmt.Errorf("parse job configuration %s: %w", path, err)
	}
	if c.values == nil {
		c.values = make(map[string]string)
	}
	return c, nil
}
