package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/5hdaniel/Mad-sub019/pkg/logger"
	"github.com/5hdaniel/Mad-sub019/pkg/types"
)

// ExecutionEnvironment is an isolated workspace bound 1:1 to one running
// task. It exists only for the task's running lifetime and observes the
// resources actually touched inside it.
type ExecutionEnvironment struct {
	ID              string
	TaskID          string
	Dir             string
	BaselineVersion int64

	watcher *fsnotify.Watcher
	logger  logger.Logger
	touched map[string]bool
	done    chan struct{}
	mu      sync.Mutex
}

// startWatching begins recording writes under the environment directory.
// fsnotify does not recurse, so every directory present at snapshot time
// is watched; directories created later are added on their create event.
func (env *ExecutionEnvironment) startWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	env.watcher = watcher
	env.done = make(chan struct{})

	if err := filepath.WalkDir(env.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		watcher.Close()
		return err
	}

	go env.watchLoop()
	return nil
}

func (env *ExecutionEnvironment) watchLoop() {
	for {
		select {
		case <-env.done:
			return
		case event, ok := <-env.watcher.Events:
			if !ok {
				return
			}
			env.handleEvent(event)
		case err, ok := <-env.watcher.Errors:
			if !ok {
				return
			}
			if env.logger != nil {
				env.logger.Debug("Environment watch error",
					logger.WithField("env", env.ID),
					logger.WithField("error", err))
			}
		}
	}
}

func (env *ExecutionEnvironment) handleEvent(event fsnotify.Event) {
	if strings.HasSuffix(event.Name, ".tmp") {
		return
	}

	info, err := os.Stat(event.Name)
	if err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			_ = env.watcher.Add(event.Name)
		}
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	rel, err := filepath.Rel(env.Dir, event.Name)
	if err != nil {
		return
	}
	env.RecordTouch(rel)
}

// RecordTouch adds a resource to the actual touched set. Execution
// collaborators may report touches directly when filesystem observation
// cannot see them (e.g. append-only side channels).
func (env *ExecutionEnvironment) RecordTouch(resource string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.touched == nil {
		env.touched = make(map[string]bool)
	}
	env.touched[resource] = true
}

// ActualTouched returns the resources actually touched so far, as a
// normalized touch set
func (env *ExecutionEnvironment) ActualTouched() types.TouchSet {
	env.mu.Lock()
	defer env.mu.Unlock()

	resources := make([]string, 0, len(env.touched))
	for r := range env.touched {
		resources = append(resources, r)
	}
	return types.NewTouchSet(resources...)
}

// Changes reads the current content of every touched resource from the
// environment. Resources removed inside the environment are omitted.
func (env *ExecutionEnvironment) Changes() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, rel := range env.ActualTouched() {
		data, err := os.ReadFile(filepath.Join(env.Dir, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out[rel] = data
	}
	return out, nil
}

// stopWatching shuts down the filesystem observer
func (env *ExecutionEnvironment) stopWatching() {
	if env.watcher == nil {
		return
	}
	close(env.done)
	env.watcher.Close()
	env.watcher = nil
}

// envMeta is the persisted identity of an environment, written inside
// the environment's parent metadata file so a restarted process can
// rebind surviving environments to their tasks
type envMeta struct {
	ID              string   `json:"id"`
	TaskID          string   `json:"taskId"`
	BaselineVersion int64    `json:"baselineVersion"`
	Touched         []string `json:"touched,omitempty"`
}

func (env *ExecutionEnvironment) meta() envMeta {
	return envMeta{
		ID:              env.ID,
		TaskID:          env.TaskID,
		BaselineVersion: env.BaselineVersion,
		Touched:         env.ActualTouched(),
	}
}
