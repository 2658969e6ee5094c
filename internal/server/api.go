package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/commune/internal/generator"
	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const branchPrefix = "proposal/"

type proposeRequestPayload struct {
	UserPrompt string `json:"userPrompt"`
	UserID     string `json:"userId"`
	Room       string `json:"room"`
}

type proposalResponsePayload struct {
	Proposal proposals.Proposal `json:"proposal"`
}

type intentRequestPayload struct {
	ProposalID string `json:"proposalId"`
	UserID     string `json:"userId"`
	Room       string `json:"room"`
}

type voteResponsePayload struct {
	Votes    []string          `json:"votes"`
	Merged   bool              `json:"merged"`
	NewFiles proposals.FileSet `json:"newFiles,omitempty"`
}

type rollbackResponsePayload struct {
	NewFiles proposals.FileSet `json:"newFiles"`
}

type approvedResponsePayload struct {
	Proposals []proposals.Proposal `json:"proposals"`
}

func (h *httpHandler) handlePropose(c *gin.Context) {
	var request proposeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	prompt := strings.TrimSpace(request.UserPrompt)
	author, err := proposals.NewUserID(request.UserID)
	if prompt == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	coordinator, roomID, ok := h.resolveRoom(c, request.Room)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	state, err := coordinator.State(ctx)
	if err != nil {
		h.respondRoomError(c, roomID, err)
		return
	}

	current := state.LiveFiles
	baseFilesHash := proposals.Fingerprint(current)
	if current.Empty() {
		// The first proposal of an empty room becomes its document, so it has no base to diverge from.
		current = h.defaultFiles()
		baseFilesHash = ""
	}

	result, err := h.generator.Generate(ctx, current, prompt)
	if err != nil {
		h.logger.Warn("proposal generation failed",
			zap.String("room_id", roomID),
			zap.String("author", author.String()),
			zap.Error(err))
		if errors.Is(err, generator.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "generator_unavailable"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed"})
		return
	}

	proposalID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to issue proposal id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
		return
	}
	proposal := proposals.Proposal{
		ID:            proposalID,
		Description:   result.Description,
		UserPrompt:    prompt,
		Author:        author.String(),
		Timestamp:     h.clock().UTC().UnixMilli(),
		Branch:        branchPrefix + proposalID,
		Files:         current.Overlay(result.Files),
		BaseFilesHash: baseFilesHash,
		Status:        proposals.StatusPending,
		Votes:         []string{},
		VotesNeeded:   h.votesNeeded,
	}
	if h.receipts != nil {
		receipt, err := h.receipts.Issue(proposal)
		if err != nil {
			h.logger.Error("failed to issue proposal receipt", zap.String("proposal_id", proposalID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "receipt_issue_failed"})
			return
		}
		proposal.Receipt = receipt
	}

	accepted, _, err := coordinator.Propose(ctx, proposal)
	if err != nil {
		h.respondRoomError(c, roomID, err)
		return
	}
	c.JSON(http.StatusOK, proposalResponsePayload{Proposal: accepted})
}

func (h *httpHandler) handleVote(c *gin.Context) {
	request, ok := bindIntent(c)
	if !ok {
		return
	}
	coordinator, roomID, ok := h.resolveRoom(c, request.Room)
	if !ok {
		return
	}
	result, err := coordinator.Vote(c.Request.Context(), request.ProposalID, request.UserID)
	if err != nil {
		h.respondRoomError(c, roomID, err)
		return
	}
	if !result.Found {
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal_not_found"})
		return
	}
	response := voteResponsePayload{Votes: result.Votes, Merged: result.Merged}
	if result.Merged {
		response.NewFiles = result.NewFiles
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	request, ok := bindIntent(c)
	if !ok {
		return
	}
	coordinator, roomID, ok := h.resolveRoom(c, request.Room)
	if !ok {
		return
	}
	result, err := coordinator.Rollback(c.Request.Context(), request.ProposalID, request.UserID)
	if err != nil {
		h.respondRoomError(c, roomID, err)
		return
	}
	if !result.Applied {
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal_not_found"})
		return
	}
	c.JSON(http.StatusOK, rollbackResponsePayload{NewFiles: result.NewFiles})
}

func (h *httpHandler) handleState(c *gin.Context) {
	coordinator, roomID, ok := h.resolveRoom(c, "")
	if !ok {
		return
	}
	state, err := coordinator.State(c.Request.Context())
	if err != nil {
		h.respondRoomError(c, roomID, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleGetProposal(c *gin.Context) {
	proposalID := strings.TrimSpace(c.Param("id"))
	coordinator, roomID, ok := h.resolveRoom(c, "")
	if !ok {
		return
	}
	state, err := coordinator.State(c.Request.Context())
	if err != nil {
		h.respondRoomError(c, roomID, err)
		return
	}
	for _, candidate := range append(state.Pending, state.History...) {
		if candidate.ID == proposalID {
			c.JSON(http.StatusOK, proposalResponsePayload{Proposal: candidate})
			return
		}
	}

	stored, found, err := h.store.GetProposal(c.Request.Context(), roomID, proposalID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "proposal_not_found"})
		return
	}
	c.JSON(http.StatusOK, proposalResponsePayload{Proposal: stored})
}

func (h *httpHandler) handleListApproved(c *gin.Context) {
	_, roomID, ok := h.resolveRoom(c, "")
	if !ok {
		return
	}
	approved, err := h.store.ListApprovedProposals(c.Request.Context(), roomID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if approved == nil {
		approved = []proposals.Proposal{}
	}
	c.JSON(http.StatusOK, approvedResponsePayload{Proposals: approved})
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error) {
	code := "store_failed"
	var storeErr *proposals.StoreError
	if errors.As(err, &storeErr) {
		code = storeErr.Code()
	}
	h.logger.Error("proposal store request failed", zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed", "code": code})
}

func bindIntent(c *gin.Context) (intentRequestPayload, bool) {
	var request intentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return intentRequestPayload{}, false
	}
	request.ProposalID = strings.TrimSpace(request.ProposalID)
	request.UserID = strings.TrimSpace(request.UserID)
	if request.ProposalID == "" || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return intentRequestPayload{}, false
	}
	return request, true
}
