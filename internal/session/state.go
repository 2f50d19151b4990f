package session

import "sync"

// OutputBuffer is the live transcript of a session, appended to by the
// worker and the app-server event bridge, and read by the UI and by resume
// prompts. The lock is held only for the copy, never across blocking calls.
type OutputBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// Append adds text to the buffer.
func (b *OutputBuffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, text...)
}

// Snapshot returns a copy of the current contents.
func (b *OutputBuffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the current length in bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// PidCell tracks the pid of the external process currently serving a
// session's turn, so a stop request can signal it. Zero means no process.
type PidCell struct {
	mu  sync.Mutex
	pid int
}

// Set records the current pid. Zero clears it.
func (c *PidCell) Set(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid = pid
}

// Get returns the tracked pid, or zero.
func (c *PidCell) Get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Clear resets the cell to zero.
func (c *PidCell) Clear() {
	c.Set(0)
}

// Handle bundles the shared runtime cells for one session. A Handle is
// created when the session's worker starts and shared by reference; it never
// crosses the persistence boundary.
type Handle struct {
	ID     string
	Output *OutputBuffer
	Pid    *PidCell
}

// NewHandle creates the runtime cells for a session.
func NewHandle(id string) *Handle {
	return &Handle{
		ID:     id,
		Output: &OutputBuffer{},
		Pid:    &PidCell{},
	}
}
