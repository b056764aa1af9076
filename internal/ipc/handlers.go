package ipc

import (
	"context"
	"time"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/store"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// StatusReporter is the queue slice the core handlers use.
type StatusReporter interface {
	Status(chatJID string) (*v1.GroupStatus, error)
}

// RegisterCoreHandlers wires the built-in host services every sandbox
// may call. Ownership is enforced from the request's directory-derived
// source group; the main group may act on any group's resources.
func RegisterCoreHandlers(g *Gateway, st store.Store, q StatusReporter) error {
	statusHandler := func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		var p struct {
			Folder string `json:"folder,omitempty"`
		}
		if err := req.Bind(&p); err != nil {
			return nil, apperrors.BadRequest("invalid group_status payload: " + err.Error())
		}

		folder := p.Folder
		if folder == "" {
			folder = req.SourceGroup
		}
		if folder != req.SourceGroup && !req.IsMain {
			return nil, apperrors.Unauthorized("only the main group may query other groups")
		}

		group, err := st.GetGroupByFolder(ctx, folder)
		if err != nil {
			return nil, err
		}
		status, err := q.Status(group.JID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"folder":        status.Folder,
			"state":         string(status.State),
			"pending_input": status.PendingInput,
			"last_activity": status.LastActivity.Format(time.RFC3339),
		}, nil
	}

	listHandler := func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		if !req.IsMain {
			return nil, apperrors.Unauthorized("only the main group may list groups")
		}
		groups, err := st.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]interface{}, 0, len(groups))
		for _, g := range groups {
			out = append(out, map[string]interface{}{
				"jid":    g.JID,
				"name":   g.Name,
				"folder": g.Folder,
			})
		}
		return map[string]interface{}{"groups": out, "total": len(out)}, nil
	}

	registerHandler := func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		if !req.IsMain {
			return nil, apperrors.Unauthorized("only the main group may register groups")
		}
		var p struct {
			JID             string `json:"jid"`
			Name            string `json:"name"`
			Folder          string `json:"folder"`
			TriggerPattern  string `json:"trigger_pattern"`
			RequiresTrigger *bool  `json:"requires_trigger,omitempty"`
		}
		if err := req.Bind(&p); err != nil {
			return nil, apperrors.BadRequest("invalid register_group payload: " + err.Error())
		}
		if p.JID == "" {
			return nil, apperrors.BadRequest("jid is required")
		}
		if err := store.ValidateFolder(p.Folder); err != nil {
			return nil, err
		}

		group := &v1.RegisteredGroup{
			JID:             p.JID,
			Name:            p.Name,
			Folder:          p.Folder,
			TriggerPattern:  p.TriggerPattern,
			RequiresTrigger: p.RequiresTrigger,
			AddedAt:         time.Now().UTC(),
		}
		if err := st.RegisterGroup(ctx, group); err != nil {
			return nil, err
		}
		return map[string]interface{}{"jid": group.JID, "folder": group.Folder}, nil
	}

	for reqType, h := range map[string]Handler{
		"group_status":   statusHandler,
		"list_groups":    listHandler,
		"register_group": registerHandler,
	} {
		if err := g.RegisterHandler(reqType, h); err != nil {
			return err
		}
	}
	return nil
}
