package stream

import (
	"sync"
	"time"
)

// Session holds the live-coding session counters shown on the overlay.
type Session struct {
	mu             sync.Mutex
	now            func() time.Time
	startTime      time.Time
	running        bool
	commits        int
	testsRun       int
	issuesClosed   int
	currentProject string
	activeProjects []ActiveProject
}

func NewSession() *Session {
	return &Session{now: time.Now}
}

// Start begins a new session, resetting every counter.
func (s *Session) Start() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = s.now()
	s.running = true
	s.commits, s.testsRun, s.issuesClosed = 0, 0, 0
	return s.startTime
}

// End closes the running session and returns its final stats; ok is false
// when no session is running.
func (s *Session) End() (stats SessionStatsPayload, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return SessionStatsPayload{}, false
	}
	stats = s.statsLocked()
	s.running = false
	return stats, true
}

// Stats returns the running session's stats.
func (s *Session) Stats() (SessionStatsPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return SessionStatsPayload{}, false
	}
	return s.statsLocked(), true
}

// Duration returns the elapsed whole seconds of the running session.
func (s *Session) Duration() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, false
	}
	return int64(s.now().Sub(s.startTime) / time.Second), true
}

func (s *Session) statsLocked() SessionStatsPayload {
	return SessionStatsPayload{
		StartTime:    stamp(s.startTime),
		Duration:     int64(s.now().Sub(s.startTime) / time.Second),
		Commits:      s.commits,
		TestsRun:     s.testsRun,
		IssuesClosed: s.issuesClosed,
	}
}

// AddCommits counts pushed commits toward the running session.
func (s *Session) AddCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.commits += n
	}
}

// IssueClosed counts a closed issue toward the running session.
func (s *Session) IssueClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.issuesClosed++
	}
}

// SetTestsRun records the latest test total; zero totals are ignored.
func (s *Session) SetTestsRun(total int) {
	if total <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testsRun = total
}

// SwitchProject marks name as the current project.
func (s *Session) SwitchProject(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProject = name
	for i := range s.activeProjects {
		s.activeProjects[i].IsActive = s.activeProjects[i].Name == name
	}
}

// SetActiveProjects replaces the active project list.
func (s *Session) SetActiveProjects(ps []ActiveProject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeProjects = append([]ActiveProject(nil), ps...)
}

// Projects returns the current project and a copy of the active list.
func (s *Session) Projects() (string, []ActiveProject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProject, append([]ActiveProject(nil), s.activeProjects...)
}
