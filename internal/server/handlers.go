package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/shineum/mail-ingest-lite/internal/blob"
	"github.com/shineum/mail-ingest-lite/internal/ingest"
	"github.com/shineum/mail-ingest-lite/internal/mailbox"
	"github.com/shineum/mail-ingest-lite/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// InboundResponse is returned for an accepted callback.
type InboundResponse struct {
	ID        string `json:"id"`
	MailboxID string `json:"mailbox_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleInbound(c echo.Context) error {
	req := c.Request()

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	var reported int64
	if v := strings.TrimSpace(req.Header.Get("X-Raw-Size")); v != "" {
		reported, err = strconv.ParseInt(v, 10, 64)
		if err != nil || reported < 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid X-Raw-Size header"})
		}
	}

	res := s.cfg.Ingester.Ingest(req.Context(), ingest.Inbound{
		Raw:          raw,
		Signature:    req.Header.Get(s.cfg.SignatureHeader),
		Recipients:   envelopeRecipients(req.Header.Values("X-Envelope-To")),
		ReportedSize: reported,
		Transport:    "http",
	})

	switch s.cfg.Ingester.Ack(res) {
	case ingest.AckAccepted:
		return c.JSON(http.StatusCreated, InboundResponse{ID: res.MessageID, MailboxID: res.MailboxID})
	case ingest.AckDropped:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "dropped"})
	case ingest.AckRejected:
		if res.Err != nil && res.Err.Kind == ingest.KindAuthentication {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "signature verification failed"})
		}
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "message could not be parsed"})
	default:
		c.Response().Header().Set("Retry-After", "60")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "temporarily unable to store message"})
	}
}

// envelopeRecipients flattens repeated and comma-separated header values,
// keeping their order.
func envelopeRecipients(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) handleListMessages(c echo.Context) error {
	address, err := url.PathUnescape(c.Param("address"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid address"})
	}

	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		}
		limit = min(limit, maxListLimit)
	}

	ctx := c.Request().Context()
	mb, err := s.cfg.Mailboxes.GetMailbox(ctx, mailbox.Normalize(address))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "mailbox not found"})
	}
	if err != nil {
		return err
	}

	msgs, err := s.cfg.Messages.ListByMailbox(ctx, mb.ID, limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"mailbox":  mb,
		"messages": msgs,
	})
}

func (s *Server) handleGetMessage(c echo.Context) error {
	msg, err := s.cfg.Messages.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "message not found"})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) handleGetAttachment(c echo.Context) error {
	ctx := c.Request().Context()

	msg, err := s.cfg.Messages.Get(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "message not found"})
	}
	if err != nil {
		return err
	}

	var att *store.Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == c.Param("attachmentID") {
			att = &msg.Attachments[i]
			break
		}
	}
	if att == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "attachment not found"})
	}

	data, err := s.cfg.Blobs.Get(ctx, att.BlobRef)
	if errors.Is(err, blob.ErrNotFound) {
		s.logger.Error("attachment blob missing", "message_id", msg.ID, "attachment_id", att.ID)
		return c.JSON(http.StatusNotFound, errorResponse{Error: "attachment content missing"})
	}
	if err != nil {
		return err
	}

	if blob.Checksum(data) != att.Checksum {
		s.logger.Error("attachment checksum mismatch", "message_id", msg.ID, "attachment_id", att.ID)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "attachment content corrupted"})
	}

	if att.Filename != "" {
		disposition := "attachment"
		if att.IsInline {
			disposition = "inline"
		}
		c.Response().Header().Set(echo.HeaderContentDisposition,
			mime.FormatMediaType(disposition, map[string]string{"filename": att.Filename}))
	}
	return c.Blob(http.StatusOK, att.MimeType, data)
}
