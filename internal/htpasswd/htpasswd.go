// Package htpasswd loads and checks an Apache-style htpasswd file
// (username:bcrypt-hash per line) for HTTP Basic authentication.
package htpasswd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// File is an in-memory, reloadable view of an htpasswd file.
type File struct {
	path string

	mu    sync.RWMutex
	users map[string]string // username -> bcrypt hash
}

// Load reads and parses path. A missing file yields an empty, writable
// File rather than an error, so a fresh registry can run with no users
// configured yet.
func Load(path string) (*File, error) {
	f := &File{path: path, users: map[string]string{}}
	if err := f.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the backing file from disk.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	users := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		users[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.users = users
	f.mu.Unlock()
	return nil
}

// Authenticate reports whether password matches username's stored hash.
func (f *File) Authenticate(username, password string) bool {
	f.mu.RLock()
	hash, ok := f.users[username]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Users lists the usernames currently known, in the iteration order of the
// underlying map (unordered — callers that need stable output should sort
// it themselves).
func (f *File) Users() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.users))
	for name := range f.users {
		out = append(out, name)
	}
	return out
}

// SetPassword hashes password with bcrypt and adds or updates username,
// persisting the change to the backing file.
func (f *File) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.users[username] = string(hash)
	err = f.persistLocked()
	f.mu.Unlock()
	return err
}

// Remove deletes username, persisting the change.
func (f *File) Remove(username string) error {
	f.mu.Lock()
	delete(f.users, username)
	err := f.persistLocked()
	f.mu.Unlock()
	return err
}

// persistLocked rewrites the backing file. Caller must hold f.mu.
func (f *File) persistLocked() error {
	var b strings.Builder
	for name, hash := range f.users {
		fmt.Fprintf(&b, "%s:%s\n", name, hash)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
