package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/services"
	"go.uber.org/zap"
)

type EnvelopeHandler struct {
	completion *services.CompletionService
	baseURL    string
	logger     *zap.Logger
}

func NewEnvelopeHandler(completion *services.CompletionService, publicBaseURL string, logger *zap.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{
		completion: completion,
		baseURL:    strings.TrimRight(publicBaseURL, "/"),
		logger:     logger.With(zap.String("handler", "envelope")),
	}
}

type fieldRequest struct {
	Type     models.FieldType `json:"type" binding:"required,oneof=signature initials text date checkbox"`
	Page     int              `json:"page" binding:"min=0"`
	X        float64          `json:"x"`
	Y        float64          `json:"y"`
	Width    float64          `json:"width"`
	Height   float64          `json:"height"`
	Required bool             `json:"required"`
}

type signerRequest struct {
	Email  string         `json:"email" binding:"required,email"`
	Name   string         `json:"name" binding:"required"`
	Fields []fieldRequest `json:"fields" binding:"dive"`
}

type createEnvelopeRequest struct {
	Name         string          `json:"name" binding:"required"`
	OwnerEmail   string          `json:"owner_email" binding:"required,email"`
	OwnerName    string          `json:"owner_name"`
	DocumentName string          `json:"document_name"`
	Document     []byte          `json:"document" binding:"required"`
	DueAt        *time.Time      `json:"due_at"`
	Signers      []signerRequest `json:"signers" binding:"required,min=1,dive"`
}

type signerResponse struct {
	ID            string              `json:"id"`
	Email         string              `json:"email"`
	Name          string              `json:"name"`
	SigningOrder  int                 `json:"signing_order"`
	Status        models.SignerStatus `json:"status"`
	SigningURL    string              `json:"signing_url,omitempty"`
	SignedAt      *time.Time          `json:"signed_at,omitempty"`
	Commitment    string              `json:"signature_event_commitment,omitempty"`
	DeclineReason string              `json:"decline_reason,omitempty"`
}

type envelopeResponse struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Status        models.EnvelopeStatus `json:"status"`
	OwnerEmail    string                `json:"owner_email"`
	SourceRef     string                `json:"source_ref"`
	SourceHash    string                `json:"source_hash"`
	DueAt         *time.Time            `json:"due_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	FinalRef      string                `json:"final_ref,omitempty"`
	FinalHash     string                `json:"final_hash,omitempty"`
	AuditTrailRef string                `json:"audit_trail_ref,omitempty"`
	SignatureMode models.SignatureMode  `json:"signature_mode,omitempty"`
	Signers       []signerResponse      `json:"signers"`
	Fields        []fieldView           `json:"fields"`
}

func (h *EnvelopeHandler) toResponse(env *models.Envelope) envelopeResponse {
	resp := envelopeResponse{
		ID:            env.ID,
		Name:          env.Name,
		Status:        env.Status,
		OwnerEmail:    env.OwnerEmail,
		SourceRef:     env.SourceRef,
		SourceHash:    env.SourceHash,
		DueAt:         env.DueAt,
		CompletedAt:   env.CompletedAt,
		FinalRef:      env.FinalRef,
		FinalHash:     env.FinalHash,
		AuditTrailRef: env.AuditTrailRef,
		SignatureMode: env.SignatureMode,
		Signers:       make([]signerResponse, 0, len(env.Signers)),
		Fields:        make([]fieldView, 0, len(env.Fields)),
	}
	for _, s := range env.Signers {
		sr := signerResponse{
			ID:            s.ID,
			Email:         s.Email,
			Name:          s.Name,
			SigningOrder:  s.SigningOrder,
			Status:        s.Status,
			SignedAt:      s.SignedAt,
			Commitment:    s.Commitment,
			DeclineReason: s.DeclineReason,
		}
		if s.Token != nil && s.Status == models.SignerPending {
			sr.SigningURL = h.baseURL + "/sign/" + *s.Token
		}
		resp.Signers = append(resp.Signers, sr)
	}
	for _, f := range env.Fields {
		resp.Fields = append(resp.Fields, fieldView{
			ID:       f.ID,
			Type:     f.Type,
			Page:     f.Page,
			X:        f.X,
			Y:        f.Y,
			Width:    f.Width,
			Height:   f.Height,
			Required: f.Required,
			Value:    f.Value,
		})
	}
	return resp
}

func (h *EnvelopeHandler) Create(c *gin.Context) {
	var req createEnvelopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	draft := services.EnvelopeDraft{
		Name:         req.Name,
		OwnerEmail:   req.OwnerEmail,
		OwnerName:    req.OwnerName,
		DocumentName: req.DocumentName,
		Document:     req.Document,
		DueAt:        req.DueAt,
	}
	for _, s := range req.Signers {
		sd := services.SignerDraft{Email: s.Email, Name: s.Name}
		for _, f := range s.Fields {
			sd.Fields = append(sd.Fields, services.FieldDraft{
				Type:     f.Type,
				Page:     f.Page,
				X:        f.X,
				Y:        f.Y,
				Width:    f.Width,
				Height:   f.Height,
				Required: f.Required,
			})
		}
		draft.Signers = append(draft.Signers, sd)
	}

	env, err := h.completion.CreateEnvelope(c.Request.Context(), draft)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, h.toResponse(env))
}

func (h *EnvelopeHandler) Get(c *gin.Context) {
	env, err := h.completion.GetEnvelope(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(env))
}

func (h *EnvelopeHandler) Distribute(c *gin.Context) {
	env, err := h.completion.Distribute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(env))
}
