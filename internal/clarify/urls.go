package clarify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentoven/taskpilot/pkg/models"
)

var (
	ErrNoBaseURL   = errors.New("no app base URL configured")
	ErrNoWorkspace = errors.New("no workspace slug in scope")
	ErrNoEntityID  = errors.New("entity id missing")
	ErrNoTemplate  = errors.New("no URL template for entity type")
)

// Links builds deep links into the project-management web app.
type Links struct {
	BaseURL       string
	WorkspaceSlug string
}

func (l Links) prefix() (string, error) {
	base := strings.TrimRight(l.BaseURL, "/")
	if base == "" {
		return "", ErrNoBaseURL
	}
	if l.WorkspaceSlug == "" {
		return "", ErrNoWorkspace
	}
	return base + "/" + l.WorkspaceSlug, nil
}

// ProjectURL links to a project's work-item overview.
func (l Links) ProjectURL(projectID string) (string, error) {
	p, err := l.prefix()
	if err != nil {
		return "", err
	}
	if projectID == "" {
		return "", ErrNoEntityID
	}
	return fmt.Sprintf("%s/projects/%s/issues/", p, projectID), nil
}

// UserURL links to a member's profile.
func (l Links) UserURL(userID string) (string, error) {
	p, err := l.prefix()
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrNoEntityID
	}
	return fmt.Sprintf("%s/profile/%s/", p, userID), nil
}

// CycleURL links to a cycle inside its project.
func (l Links) CycleURL(projectID, cycleID string) (string, error) {
	return l.nested(projectID, "cycles", cycleID)
}

// ModuleURL links to a module inside its project.
func (l Links) ModuleURL(projectID, moduleID string) (string, error) {
	return l.nested(projectID, "modules", moduleID)
}

func (l Links) nested(projectID, kind, id string) (string, error) {
	p, err := l.prefix()
	if err != nil {
		return "", err
	}
	if projectID == "" || id == "" {
		return "", ErrNoEntityID
	}
	return fmt.Sprintf("%s/projects/%s/%s/%s/", p, projectID, kind, id), nil
}

// OptionURL picks the template for an option's entity type.
func (l Links) OptionURL(opt models.DisambiguationOption) (string, error) {
	switch opt.Type {
	case "project":
		return l.ProjectURL(opt.ID)
	case "user", "member", "assignee":
		return l.UserURL(opt.ID)
	case "cycle":
		return l.CycleURL(opt.ProjectID, opt.ID)
	case "module":
		return l.ModuleURL(opt.ProjectID, opt.ID)
	}
	return "", fmt.Errorf("%q: %w", opt.Type, ErrNoTemplate)
}
