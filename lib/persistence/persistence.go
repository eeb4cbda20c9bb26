package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("persistence")

// marker file of a space that survives restarts
const persistentMarker = ".persistent"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validName(name string) bool {
	return name != "." && name != ".." && namePattern.MatchString(name)
}

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Space is a named directory below the root that holds the files of one store.
type Space struct {
	Name       string
	Dir        string
	Persistent bool
}

// Context is a directory inside a space handed to a single tier.
type Context struct {
	Fs    afero.Fs
	Dir   string
	Space string
}

// Service manages persistence spaces below a root directory.
//
// A persistent space is marked on disk and found again by Init after a
// restart. Volatile spaces are removed on DestroySpace, Close and, should the
// process have died, on the next Init.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	fs     afero.Fs
	root   string
	spaces *xsync.MapOf[string, *Space]
	mu     sync.Mutex // serializes file system changes of spaces
}

// NewService creates a service rooted at root in fs.
func NewService(fs afero.Fs, root string) *Service {
	return &Service{
		fs:     fs,
		root:   filepath.Clean(root),
		spaces: xsync.NewMapOf[string, *Space](),
	}
}

// Root returns the root directory.
func (s *Service) Root() string { return s.root }

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Init creates the root directory, registers the persistent spaces found in it
// and removes volatile leftovers.
func (s *Service) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("create root %q", s.root), err)
	}

	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("read root %q", s.root), err)
	}

	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		name := info.Name()
		dir := filepath.Join(s.root, name)

		persistent, err := afero.Exists(s.fs, filepath.Join(dir, persistentMarker))
		if err != nil {
			return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("inspect space %q", name), err)
		}
		if !persistent {
			Logger.Infof("removing volatile space %q left over by a previous run", name)
			if err := s.fs.RemoveAll(dir); err != nil {
				return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("remove space %q", name), err)
			}
			continue
		}
		s.spaces.Store(name, &Space{Name: name, Dir: dir, Persistent: true})
	}

	Logger.Infof("persistence service ready in %s (%d persistent spaces)", s.root, s.spaces.Size())
	return nil
}

// Close destroys all volatile spaces. Persistent spaces stay on disk.
func (s *Service) Close() error {
	var errs error
	s.spaces.Range(func(name string, space *Space) bool {
		if !space.Persistent {
			errs = multierr.Append(errs, s.DestroySpace(name))
		}
		return true
	})
	return errs
}

// --------------------------------------------------------------------------
// Spaces and contexts
// --------------------------------------------------------------------------

// GetOrCreateSpace returns the space called name and creates it if needed.
// Asking for an existing space with a different persistence fails.
func (s *Service) GetOrCreateSpace(name string, persistent bool) (*Space, error) {
	if !validName(name) {
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("invalid space name %q", name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if space, ok := s.spaces.Load(name); ok {
		if space.Persistent != persistent {
			return nil, store.NewError(store.RetCInvalidOperation,
				fmt.Sprintf("space %q exists with persistent=%v", name, space.Persistent))
		}
		return space, nil
	}

	space := &Space{Name: name, Dir: filepath.Join(s.root, name), Persistent: persistent}
	if err := s.fs.MkdirAll(space.Dir, 0o755); err != nil {
		return nil, store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("create space %q", name), err)
	}
	if persistent {
		if err := afero.WriteFile(s.fs, filepath.Join(space.Dir, persistentMarker), nil, 0o644); err != nil {
			return nil, store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("mark space %q", name), err)
		}
	}

	s.spaces.Store(name, space)
	Logger.Debugf("created space %q (persistent=%v)", name, persistent)
	return space, nil
}

// CreateContext creates the directory name inside space and returns it.
func (s *Service) CreateContext(space *Space, name string) (Context, error) {
	if space == nil {
		return Context{}, store.NewError(store.RetCInvalidOperation, "missing space")
	}
	if !validName(name) {
		return Context{}, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("invalid context name %q", name))
	}
	if _, ok := s.spaces.Load(space.Name); !ok {
		return Context{}, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown space %q", space.Name))
	}

	dir := filepath.Join(space.Dir, name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return Context{}, store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("create context %q in %q", name, space.Name), err)
	}
	return Context{Fs: s.fs, Dir: dir, Space: space.Name}, nil
}

// DestroySpace removes a space and all of its files. Destroying an unknown
// space is not an error.
func (s *Service) DestroySpace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	space, ok := s.spaces.LoadAndDelete(name)
	if !ok {
		return nil
	}
	if err := s.fs.RemoveAll(space.Dir); err != nil && !os.IsNotExist(err) {
		return store.WrapError(store.RetCPersistenceFailure, fmt.Sprintf("destroy space %q", name), err)
	}
	Logger.Debugf("destroyed space %q", name)
	return nil
}

// Spaces returns the names of all known spaces, sorted.
func (s *Service) Spaces() []string {
	names := make([]string, 0, s.spaces.Size())
	s.spaces.Range(func(name string, _ *Space) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
