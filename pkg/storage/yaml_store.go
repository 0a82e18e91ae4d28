package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-flow/pkg/domain"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// yamlDocument is the shape of one definitions file. A directory may hold any
// number of them.
type yamlDocument struct {
	Nodes     []domain.NodeDefinition     `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Pipelines []domain.PipelineDefinition `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
}

// YAMLStore serves definitions from the *.yaml and *.yml files of a directory
// and reloads them when the files change. It implements both DefinitionStore
// and domain.DefinitionSource.
type YAMLStore struct {
	dir    string
	logger *slog.Logger

	mu          sync.RWMutex
	nodes       map[string]domain.NodeDefinition
	pipelines   map[string]domain.PipelineDefinition
	origin      map[string]string
	generation  int64
	loadedAt    time.Time
	subscribers []chan domain.Snapshot

	writeMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

var (
	_ DefinitionStore         = (*YAMLStore)(nil)
	_ domain.DefinitionSource = (*YAMLStore)(nil)
)

// NewYAMLStore loads every definitions file under dir and starts watching it.
// The directory is created when missing.
func NewYAMLStore(dir string, logger *slog.Logger) (*YAMLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("yaml store requires a directory")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create definitions directory: %w", err)
	}

	s := &YAMLStore{
		dir:       absDir,
		logger:    logger,
		nodes:     make(map[string]domain.NodeDefinition),
		pipelines: make(map[string]domain.PipelineDefinition),
		origin:    make(map[string]string),
		done:      make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = watcher
	s.cancel = cancel
	go s.watchLoop(ctx)
	return s, nil
}

// CurrentSnapshot returns the last loaded definitions.
func (s *YAMLStore) CurrentSnapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that receives a snapshot after every reload.
// The current snapshot is delivered immediately; slow consumers only see the
// latest one.
func (s *YAMLStore) Subscribe() <-chan domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan domain.Snapshot, 1)
	s.subscribers = append(s.subscribers, ch)
	ch <- s.snapshotLocked()
	return ch
}

// GetNode returns a node definition.
func (s *YAMLStore) GetNode(_ context.Context, id string) (domain.NodeDefinition, error) {
	s.mu.RLock()
	def, ok := s.nodes[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NodeDefinition{}, nodeNotFound(id)
	}
	return clone(def)
}

// ListNodes returns every node ordered by name then id.
func (s *YAMLStore) ListNodes(_ context.Context) ([]domain.NodeDefinition, error) {
	return s.CurrentSnapshot().Nodes, nil
}

// GetPipeline returns a pipeline definition.
func (s *YAMLStore) GetPipeline(_ context.Context, id string) (domain.PipelineDefinition, error) {
	s.mu.RLock()
	def, ok := s.pipelines[id]
	s.mu.RUnlock()
	if !ok {
		return domain.PipelineDefinition{}, pipelineNotFound(id)
	}
	return clone(def)
}

// ListPipelines returns every pipeline ordered by name then id.
func (s *YAMLStore) ListPipelines(_ context.Context) ([]domain.PipelineDefinition, error) {
	return s.CurrentSnapshot().Pipelines, nil
}

// SaveNode writes the node back to the file that defined it, or to a new
// node-<id>.yaml file.
func (s *YAMLStore) SaveNode(_ context.Context, def domain.NodeDefinition) (domain.NodeDefinition, error) {
	def.UUID = ensureID(def.UUID)
	stored, err := clone(def)
	if err != nil {
		return domain.NodeDefinition{}, err
	}
	path, err := s.persist("node", stored.UUID, func(doc *yamlDocument) {
		for i := range doc.Nodes {
			if doc.Nodes[i].UUID == stored.UUID {
				doc.Nodes[i] = stored
				return
			}
		}
		doc.Nodes = append(doc.Nodes, stored)
	})
	if err != nil {
		return domain.NodeDefinition{}, err
	}

	s.mu.Lock()
	s.nodes[stored.UUID] = stored
	s.origin[originKey("node", stored.UUID)] = path
	s.generation++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return clone(stored)
}

// SavePipeline writes the pipeline back to the file that defined it, or to a
// new pipeline-<id>.yaml file.
func (s *YAMLStore) SavePipeline(_ context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	def.UUID = ensureID(def.UUID)
	stored, err := clone(def)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	path, err := s.persist("pipeline", stored.UUID, func(doc *yamlDocument) {
		for i := range doc.Pipelines {
			if doc.Pipelines[i].UUID == stored.UUID {
				doc.Pipelines[i] = stored
				return
			}
		}
		doc.Pipelines = append(doc.Pipelines, stored)
	})
	if err != nil {
		return domain.PipelineDefinition{}, err
	}

	s.mu.Lock()
	s.pipelines[stored.UUID] = stored
	s.origin[originKey("pipeline", stored.UUID)] = path
	s.generation++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return clone(stored)
}

// Close stops the watcher and closes subscriber channels.
func (s *YAMLStore) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.watcher.Close()
	<-s.done

	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.cancel = nil
	s.mu.Unlock()
	return err
}

func (s *YAMLStore) persist(kind, id string, update func(*yamlDocument)) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	path, ok := s.origin[originKey(kind, id)]
	s.mu.RUnlock()

	var doc yamlDocument
	if ok {
		if err := readDocument(path, &doc); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	} else {
		path = filepath.Join(s.dir, kind+"-"+unsafeFileChars.ReplaceAllString(id, "_")+".yaml")
	}
	update(&doc)

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s %q: %w", kind, id, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to write %s %q: %w", kind, id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s %q: %w", kind, id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s %q: %w", kind, id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s %q: %w", kind, id, err)
	}
	return path, nil
}

func (s *YAMLStore) watchLoop(ctx context.Context) {
	defer close(s.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := s.load(); err != nil {
						s.logger.Error("definitions reload failed", "dir", s.dir, "error", err)
						return
					}
					s.logger.Info("definitions reloaded", "dir", s.dir)
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("definitions watcher error", "error", err)
		}
	}
}

// load replaces the in-memory definitions with the directory contents. A file
// that fails to parse aborts the reload and keeps the previous definitions.
func (s *YAMLStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	nodes := make(map[string]domain.NodeDefinition)
	pipelines := make(map[string]domain.PipelineDefinition)
	origin := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		var doc yamlDocument
		if err := readDocument(path, &doc); err != nil {
			return err
		}
		for _, n := range doc.Nodes {
			if n.UUID == "" {
				return fmt.Errorf("%s: node %q has no uuid", name, n.Name)
			}
			if prev, dup := origin[originKey("node", n.UUID)]; dup {
				s.logger.Warn("duplicate node definition", "uuid", n.UUID, "first", prev, "winner", path)
			}
			nodes[n.UUID] = n
			origin[originKey("node", n.UUID)] = path
		}
		for _, p := range doc.Pipelines {
			if p.UUID == "" {
				return fmt.Errorf("%s: pipeline %q has no uuid", name, p.Name)
			}
			if prev, dup := origin[originKey("pipeline", p.UUID)]; dup {
				s.logger.Warn("duplicate pipeline definition", "uuid", p.UUID, "first", prev, "winner", path)
			}
			pipelines[p.UUID] = p
			origin[originKey("pipeline", p.UUID)] = path
		}
	}

	s.mu.Lock()
	s.nodes = nodes
	s.pipelines = pipelines
	s.origin = origin
	s.generation++
	s.loadedAt = time.Now().UTC()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

func (s *YAMLStore) publish(snap domain.Snapshot) {
	// Sends never block; the read lock excludes Close.
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot a slow consumer has not read yet.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *YAMLStore) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		Generation: strconv.FormatInt(s.generation, 10),
		Nodes:      make([]domain.NodeDefinition, 0, len(s.nodes)),
		Pipelines:  make([]domain.PipelineDefinition, 0, len(s.pipelines)),
		Timestamp:  s.loadedAt,
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, p := range s.pipelines {
		snap.Pipelines = append(snap.Pipelines, p)
	}
	sortNodes(snap.Nodes)
	sortPipelines(snap.Pipelines)
	return snap
}

// readDocument decodes YAML through its JSON form so definitions accept the
// same shapes (such as extract maps) as the JSON API.
func readDocument(path string, doc *yamlDocument) error {
	// #nosec G304 -- path is inside the configured definitions directory
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if raw == nil {
		return nil
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(asJSON, doc); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isDefinitionFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}

func originKey(kind, id string) string {
	return kind + ":" + id
}
