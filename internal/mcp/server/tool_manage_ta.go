package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
)

const (
	actionGet     = "get"
	actionStatus  = "status" // legacy alias for actionGet
	actionEnable  = "enable"
	actionDisable = "disable"
)

type ManageTAInput struct {
	// Action is one of "get", "enable", or "disable". "status" is accepted
	// as an alias for "get".
	Action string `json:"action"`

	// CustomRelays replaces the publish relay list on enable. Omitted keeps
	// the current list.
	CustomRelays []string `json:"customRelays,omitempty"`
}

type ManageTAOutput struct {
	Enabled   bool     `json:"enabled"`
	Relays    []string `json:"relays"`
	UpdatedAt int64    `json:"updatedAt"`
}

func (s *Server) registerManageTATool() error {
	return registerTool(s, "manage_ta", `
		Manage trusted-assertion publishing: enable or disable the background
		publisher that mirrors computed trust scores to the network as NIP-85
		kind-30382 events, or report its current state with "get". Enabling
		accepts an optional custom relay list (ws:// or wss:// URLs).
	`, s.handleManageTA)
}

func (s *Server) handleManageTA(_ context.Context, in ManageTAInput) (ManageTAOutput, error) {
	var (
		state *datastore.TAState
		err   error
	)
	switch in.Action {
	case actionGet, actionStatus:
		state, err = s.cfg.Assertions.Get()
	case actionEnable:
		state, err = s.cfg.Assertions.Enable(in.CustomRelays)
		if err != nil && !errors.Is(err, datastore.ErrIO) {
			err = fmt.Errorf("%w: %s", errBadRequest, err)
		}
	case actionDisable:
		state, err = s.cfg.Assertions.Disable()
	default:
		return ManageTAOutput{}, fmt.Errorf("%w: unknown action %q", errBadRequest, in.Action)
	}
	if err != nil {
		return ManageTAOutput{}, err
	}

	return ManageTAOutput{
		Enabled:   state.Enabled,
		Relays:    state.Relays,
		UpdatedAt: state.UpdatedAt,
	}, nil
}
