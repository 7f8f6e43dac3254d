package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Device is one approved field device in devices.yaml.
type Device struct {
	ID    string `yaml:"id" json:"id"`
	Rack  string `yaml:"rack,omitempty" json:"rack,omitempty"`
	Site  string `yaml:"site,omitempty" json:"site,omitempty"`
	Proto string `yaml:"proto,omitempty" json:"proto,omitempty"`
	Host  string `yaml:"host,omitempty" json:"host,omitempty"`
	Port  int    `yaml:"port,omitempty" json:"port,omitempty"`
	Map   string `yaml:"map,omitempty" json:"map,omitempty"`
}

type deviceFile struct {
	Devices []Device                     `yaml:"devices"`
	Maps    map[string]map[string]string `yaml:"maps"`
}

// Registry is the device registry backed by devices.yaml. Reload is an
// idempotent pull driven by file mtime and by explicit change events;
// approve never notifies itself.
type Registry struct {
	path string

	mu      sync.RWMutex
	devices []Device
	maps    map[string]map[string]string
	rackMap map[string]string
	siteMap map[string]string
	mtime   time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads the registry from path. A missing file is an empty
// registry, not an error.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, done: make(chan struct{})}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads devices.yaml and rebuilds the in-memory maps. Safe to
// call at any time from any goroutine.
func (r *Registry) Reload() error {
	file, mtime, err := readDeviceFile(r.path)
	if err != nil {
		return err
	}

	rackMap := make(map[string]string, len(file.Devices))
	siteMap := make(map[string]string, len(file.Devices))
	for _, d := range file.Devices {
		if d.ID == "" {
			continue
		}
		if d.Rack != "" {
			rackMap[d.Rack] = d.ID
		}
		siteMap[d.ID] = d.Site
	}

	r.mu.Lock()
	r.devices = file.Devices
	r.maps = file.Maps
	r.rackMap = rackMap
	r.siteMap = siteMap
	r.mtime = mtime
	r.mu.Unlock()
	return nil
}

// Watch starts an fsnotify watcher on the registry file's directory and
// reloads on write events. mtime checks in DeviceForRack remain as a
// fallback for filesystems without change notification.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != r.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					log.Warn().Err(err).Str("path", r.path).Msg("Device registry reload failed")
				} else {
					log.Debug().Str("path", r.path).Msg("Device registry reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Device registry watcher error")
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Devices returns a copy of the current device list.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// DeviceForRack resolves the device id configured for a rack. The file is
// re-read first when its mtime changed under us.
func (r *Registry) DeviceForRack(rack string) (string, bool) {
	r.maybeReload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.rackMap[rack]
	return id, ok
}

// Append adds or updates a device, deduplicating by id or by
// (host, proto, port), and rewrites devices.yaml. Returns "updated" when
// an existing entry was replaced, "appended" otherwise.
func (r *Registry) Append(entry Device) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	action := "appended"
	replaced := false
	for i, d := range r.devices {
		sameID := entry.ID != "" && d.ID == entry.ID
		sameEndpoint := entry.Host != "" && d.Host == entry.Host &&
			d.Proto == entry.Proto && d.Port == entry.Port
		if sameID || sameEndpoint {
			r.devices[i] = entry
			action = "updated"
			replaced = true
			break
		}
	}
	if !replaced {
		r.devices = append(r.devices, entry)
	}
	if err := r.writeLocked(); err != nil {
		return "", err
	}
	r.rebuildLocked()
	return action, nil
}

// Remove deletes a device by id and rewrites devices.yaml. Returns false
// when the id is unknown.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, d := range r.devices {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	r.devices = append(r.devices[:idx], r.devices[idx+1:]...)
	if err := r.writeLocked(); err != nil {
		return false, err
	}
	r.rebuildLocked()
	return true, nil
}

func (r *Registry) maybeReload() {
	info, err := os.Stat(r.path)
	if err != nil {
		return
	}
	r.mu.RLock()
	stale := !info.ModTime().Equal(r.mtime)
	r.mu.RUnlock()
	if stale {
		if err := r.Reload(); err != nil {
			log.Warn().Err(err).Str("path", r.path).Msg("Device registry reload failed")
		}
	}
}

func (r *Registry) rebuildLocked() {
	rackMap := make(map[string]string, len(r.devices))
	siteMap := make(map[string]string, len(r.devices))
	for _, d := range r.devices {
		if d.ID == "" {
			continue
		}
		if d.Rack != "" {
			rackMap[d.Rack] = d.ID
		}
		siteMap[d.ID] = d.Site
	}
	r.rackMap = rackMap
	r.siteMap = siteMap
	if info, err := os.Stat(r.path); err == nil {
		r.mtime = info.ModTime()
	}
}

func (r *Registry) writeLocked() error {
	file := deviceFile{Devices: r.devices, Maps: r.maps}
	if file.Maps == nil {
		file.Maps = map[string]map[string]string{}
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	return nil
}

func readDeviceFile(path string) (deviceFile, time.Time, error) {
	var file deviceFile
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, time.Time{}, nil
		}
		return file, time.Time{}, fmt.Errorf("failed to stat devices file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return file, time.Time{}, fmt.Errorf("failed to read devices file: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, time.Time{}, fmt.Errorf("failed to parse devices file: %w", err)
	}
	return file, info.ModTime(), nil
}
