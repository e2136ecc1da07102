package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const activityContentMax = 50

var (
	errMissingSignature = errors.New("webhook signature missing")
	errBadSignature     = errors.New("webhook signature mismatch")
)

// verifySignature checks a GitHub X-Hub-Signature-256 header against body.
func verifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return errMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadSignature, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errBadSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type pushEvent struct {
	Ref     string `json:"ref"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
		Timestamp string `json:"timestamp"`
	} `json:"commits"`
	Repository repository `json:"repository"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		Merged bool   `json:"merged"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository repository `json:"repository"`
}

type issuesEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Repository repository `json:"repository"`
}

type checkRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		Name       string  `json:"name"`
		Conclusion *string `json:"conclusion"`
		HTMLURL    string  `json:"html_url"`
	} `json:"check_run"`
	Repository repository `json:"repository"`
}

var activityStyle = map[string]struct{ icon, color string }{
	"commit": {"📝", "#8957e5"},
	"pr":     {"🔀", "#58a6ff"},
	"issue":  {"🎯", "#3fb950"},
	"ci":     {"✅", "#3fb950"},
	"prd":    {"📝", "#58a6ff"},
}

func newActivity(kind, repo, content string, now time.Time) ActivityItem {
	style := activityStyle[kind]
	return ActivityItem{
		ID:        uuid.NewString(),
		Type:      kind,
		Repo:      repo,
		Content:   truncate(content, activityContentMax),
		Timestamp: stamp(now),
		Icon:      style.icon,
		Color:     style.color,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortSHA(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// dispatch translates one webhook delivery into overlay messages. Unknown
// event types return handled=false.
func (s *Server) dispatch(event string, body []byte) (handled bool, err error) {
	switch event {
	case "push":
		var p pushEvent
		if err := json.Unmarshal(body, &p); err != nil {
			return true, err
		}
		s.handlePush(p)
	case "pull_request":
		var p pullRequestEvent
		if err := json.Unmarshal(body, &p); err != nil {
			return true, err
		}
		s.handlePullRequest(p)
	case "issues":
		var p issuesEvent
		if err := json.Unmarshal(body, &p); err != nil {
			return true, err
		}
		s.handleIssue(p)
	case "check_run":
		var p checkRunEvent
		if err := json.Unmarshal(body, &p); err != nil {
			return true, err
		}
		s.handleCheckRun(p)
	default:
		return false, nil
	}
	return true, nil
}

func (s *Server) handlePush(p pushEvent) {
	repo := p.Repository.Name
	for _, c := range p.Commits {
		msg := firstLine(c.Message)
		commit := CommitPayload{
			SHA:       shortSHA(c.ID),
			Message:   msg,
			Author:    c.Author.Name,
			Repo:      repo,
			Timestamp: c.Timestamp,
		}
		s.hub.Broadcast(ChannelGitHub, NewMessage(TypeCommit, commit))
		s.hub.BroadcastAll(NewMessage(TypeCommit, map[string]any{
			"commit":   commit,
			"activity": newActivity("commit", repo, msg, time.Now()),
		}))
		s.log.Info("webhook commit", "repo", repo, "sha", commit.SHA, "message", msg)
	}
	s.session.AddCommits(len(p.Commits))
}

func (s *Server) handlePullRequest(p pullRequestEvent) {
	pr := p.PullRequest
	repo := p.Repository.Name
	state := pr.State
	if pr.Merged {
		state = "merged"
	}
	payload := PRPayload{Repo: repo, Number: pr.Number, Title: pr.Title, State: state, Author: pr.User.Login}
	s.hub.Broadcast(ChannelGitHub, NewMessage(TypePR, payload))
	s.hub.BroadcastAll(NewMessage(TypePR, map[string]any{
		"pr":       payload,
		"activity": newActivity("pr", repo, fmt.Sprintf("#%d %s", pr.Number, pr.Title), time.Now()),
	}))
	s.log.Info("webhook pull request", "repo", repo, "number", pr.Number, "action", p.Action)
}

func (s *Server) handleIssue(p issuesEvent) {
	is := p.Issue
	repo := p.Repository.Name
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.Name)
	}
	payload := IssuePayload{Repo: repo, Number: is.Number, Title: is.Title, State: is.State, Labels: labels}
	s.hub.Broadcast(ChannelGitHub, NewMessage(TypeIssue, payload))
	s.hub.BroadcastAll(NewMessage(TypeIssue, map[string]any{
		"issue":    payload,
		"activity": newActivity("issue", repo, fmt.Sprintf("#%d %s", is.Number, is.Title), time.Now()),
	}))
	if p.Action == "closed" {
		s.session.IssueClosed()
	}
	s.log.Info("webhook issue", "repo", repo, "number", is.Number, "action", p.Action)
}

func ciStatus(conclusion *string) string {
	if conclusion == nil {
		return "pending"
	}
	switch *conclusion {
	case "success":
		return "success"
	case "failure":
		return "failure"
	default:
		return "pending"
	}
}

func (s *Server) handleCheckRun(p checkRunEvent) {
	if p.Action != "completed" {
		return
	}
	repo := p.Repository.Name
	payload := CIPayload{
		Repo:     repo,
		Workflow: p.CheckRun.Name,
		Status:   ciStatus(p.CheckRun.Conclusion),
		URL:      p.CheckRun.HTMLURL,
	}
	icon, color := "✅", "#3fb950"
	if payload.Status != "success" {
		icon, color = "❌", "#f85149"
	}
	activity := newActivity("ci", repo, icon+" "+p.CheckRun.Name, time.Now())
	activity.Icon, activity.Color = icon, color

	s.hub.Broadcast(ChannelGitHub, NewMessage(TypeCI, payload))
	s.hub.BroadcastAll(NewMessage(TypeCI, map[string]any{"ci": payload, "activity": activity}))
	s.log.Info("webhook check run", "repo", repo, "workflow", payload.Workflow, "status", payload.Status)
}
