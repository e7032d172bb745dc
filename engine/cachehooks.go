package engine

import "time"

// cacheCoalesceWindow is the batching window for listing-change
// notifications raised by mutating commands (spec.md §4.12, §11).
const cacheCoalesceWindow = time.Second

// notifyListingChanged emits a DirectoryListingNotification for path
// immediately if at least cacheCoalesceWindow has elapsed since the last
// one for that path; otherwise it records a deferred "needs send" flag,
// flushed by flushDeferredCacheNotifications on the next operation reset.
func (s *Session) notifyListingChanged(path string, modified, failed bool) {
	now := s.clock()
	if last, ok := s.cacheCoalesce[path]; !ok || now.Sub(last) >= cacheCoalesceWindow {
		s.cacheCoalesce[path] = now
		s.Events.DirectoryListingChanged(path, modified, failed)
		delete(s.cacheDeferred, path)
		return
	}
	s.cacheDeferred[path] = true
}

// flushDeferredCacheNotifications emits any notification that was
// deferred by the coalescing window, called whenever an operation pops
// off the stack (spec.md §4.12: "flushed on operation reset").
func (s *Session) flushDeferredCacheNotifications() {
	if len(s.cacheDeferred) == 0 {
		return
	}
	for path, pending := range s.cacheDeferred {
		if !pending {
			continue
		}
		s.Events.DirectoryListingChanged(path, true, false)
		s.cacheCoalesce[path] = s.clock()
	}
	s.cacheDeferred = make(map[string]bool)
}

// invalidateMutation invalidates the directory/path cache entries
// affected by a mutation at (parent, name) and raises a (possibly
// coalesced) listing-change notification. Called before DELE/RNTO/SITE
// CHMOD and after a successful STOR (spec.md §4.12).
func (s *Session) invalidateMutation(parent, name string) {
	server := s.Server.ID()
	if s.ListingCache != nil {
		s.ListingCache.InvalidateFile(server, parent, name)
	}
	if s.PathCache != nil {
		s.PathCache.InvalidatePath(server, parent)
	}
	s.notifyListingChanged(parent, true, false)
}

// removeMutation removes a cache entry outright (successful DELE).
func (s *Session) removeMutation(parent, name string) {
	server := s.Server.ID()
	if s.ListingCache != nil {
		s.ListingCache.RemoveFile(server, parent, name)
	}
	s.notifyListingChanged(parent, true, false)
}

// removeDirMutation recursively removes a directory's cache subtree
// (successful RMD).
func (s *Session) removeDirMutation(parent, name string) {
	server := s.Server.ID()
	full := name
	if parent != "" {
		full = parent + "/" + name
	}
	if s.ListingCache != nil {
		s.ListingCache.RemoveDir(server, full)
		s.ListingCache.RemoveFile(server, parent, name)
	}
	if s.PathCache != nil {
		s.PathCache.InvalidatePath(server, full)
	}
	s.notifyListingChanged(parent, true, false)
}

// renameMutation updates the cache for a successful RNFR/RNTO pair,
// handling same-directory renames and cross-directory moves alike.
func (s *Session) renameMutation(oldParent, oldName, newParent, newName string) {
	server := s.Server.ID()
	if s.ListingCache != nil {
		s.ListingCache.Rename(server, oldParent, oldName, newParent, newName)
	}
	if s.PathCache != nil {
		s.PathCache.InvalidatePath(server, oldParent)
		s.PathCache.InvalidatePath(server, newParent)
	}
	s.notifyListingChanged(oldParent, true, false)
	if newParent != oldParent {
		s.notifyListingChanged(newParent, true, false)
	}
}
