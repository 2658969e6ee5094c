package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/commune/internal/client"
	"github.com/MarcoPoloResearchLab/commune/internal/config"
	"github.com/MarcoPoloResearchLab/commune/internal/logging"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/MarcoPoloResearchLab/commune/internal/room"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// participant bundles what every subcommand needs.
type participant struct {
	config   config.ClientConfig
	identity string
	api      *client.API
	logger   *zap.Logger
}

func newParticipant() (*participant, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, "")
	if err != nil {
		return nil, err
	}
	identity, err := client.LoadIdentity(clientConfig.IdentityPath)
	if err != nil {
		return nil, err
	}
	api, err := client.NewAPI(client.APIConfig{ServerURL: clientConfig.ServerURL, Room: clientConfig.Room})
	if err != nil {
		return nil, err
	}
	return &participant{config: clientConfig, identity: identity, api: api, logger: logger}, nil
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow a room and print every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newParticipant()
			if err != nil {
				return err
			}
			defer p.logger.Sync() //nolint:errcheck

			out := cmd.OutOrStdout()
			mirror := client.NewMirror()
			session, err := client.NewSession(client.SessionConfig{
				ServerURL: p.config.ServerURL,
				Room:      p.config.Room,
				Mirror:    mirror,
				Logger:    p.logger,
				OnMessage: func(message room.ServerMessage) {
					printEvent(out, p.config.Room, mirror, message)
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newProposeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "propose <prompt>",
		Short: "Ask for a change to the shared document",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newParticipant()
			if err != nil {
				return err
			}
			defer p.logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			before, err := p.api.State(ctx)
			if err != nil {
				return err
			}
			proposal, err := p.api.Propose(ctx, strings.Join(args, " "), p.identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.RenderPreview(proposal, client.BuildPreview(before.LiveFiles, proposal.Files)))
			return nil
		},
	}
}

func newVoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <proposal-id>",
		Short: "Vote for a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newParticipant()
			if err != nil {
				return err
			}
			defer p.logger.Sync() //nolint:errcheck

			outcome, err := p.api.Vote(cmd.Context(), args[0], p.identity)
			if err != nil {
				return describeAPIError(err, args[0])
			}
			out := cmd.OutOrStdout()
			if outcome.Merged {
				fmt.Fprintf(out, "%s merged with %d votes\n", args[0], len(outcome.Votes))
				return nil
			}
			fmt.Fprintf(out, "%s has %d votes\n", args[0], len(outcome.Votes))
			return nil
		},
	}
}

func newRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <proposal-id>",
		Short: "Revert an approved proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newParticipant()
			if err != nil {
				return err
			}
			defer p.logger.Sync() //nolint:errcheck

			restored, err := p.api.Rollback(cmd.Context(), args[0], p.identity)
			if err != nil {
				return describeAPIError(err, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s rolled back, document has %d files\n", args[0], len(restored))
			return nil
		},
	}
}

func newStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the current room state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newParticipant()
			if err != nil {
				return err
			}
			defer p.logger.Sync() //nolint:errcheck

			state, err := p.api.State(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.RenderState(p.config.Room, state))
			return nil
		},
	}
}

func newPreviewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <proposal-id>",
		Short: "Summarise how a proposal differs from the live document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newParticipant()
			if err != nil {
				return err
			}
			defer p.logger.Sync() //nolint:errcheck

			state, err := p.api.State(cmd.Context())
			if err != nil {
				return err
			}
			mirror := client.NewMirror()
			mirror.Apply(room.ServerMessage{Type: room.TypeState, LiveFiles: state.LiveFiles, Pending: state.Pending, History: state.History})
			proposal, found := mirror.Find(args[0])
			if !found {
				return fmt.Errorf("proposal %s not found in room %s", args[0], p.config.Room)
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.RenderPreview(proposal, client.BuildPreview(state.LiveFiles, proposal.Files)))
			return nil
		},
	}
}

func printEvent(out io.Writer, roomID string, mirror *client.Mirror, message room.ServerMessage) {
	switch message.Type {
	case room.TypeState:
		fmt.Fprintln(out, client.RenderState(roomID, mirror.State()))
	case room.TypeProposalCreated:
		fmt.Fprintf(out, "new proposal %s by %s: %s\n", message.Proposal.ID, message.Proposal.Author, message.Proposal.Description)
	case room.TypeProposalVoted:
		proposal, _ := mirror.Find(message.ProposalID)
		fmt.Fprintf(out, "%s now has %d/%d votes\n", message.ProposalID, len(message.Votes), proposal.VotesNeeded)
	case room.TypeProposalMerged:
		verb := "merged"
		if message.Proposal.Status == proposals.StatusRolledBack {
			verb = "rolled back"
		}
		fmt.Fprintf(out, "%s %s, document has %d files\n", message.Proposal.ID, verb, len(message.NewFiles))
	}
}

func describeAPIError(err error, proposalID string) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		return fmt.Errorf("proposal %s is not open for that action", proposalID)
	}
	return err
}
