package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/approval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerSignature = "X-Hub-Signature-256"
	headerDelivery  = "X-GitHub-Delivery"

	maxWebhookBody = 5 << 20
)

// webhookPayload carries the fields of issues and issue_comment events the
// server reads.
type webhookPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request,omitempty"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
}

// webhookResponse reports what a delivery triggered.
type webhookResponse struct {
	Event  string `json:"event"`
	Action string `json:"action,omitempty"`
	Issue  int    `json:"issue,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Result string `json:"result"`
}

// ValidSignature checks a sha256=<hex> HMAC of body under secret.
func ValidSignature(secret, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func isPullRequest(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// #region webhook
// webhook runs propose when an issue is opened and execute when someone
// comments APPROVE. Both stages act under the issue's execution claim and
// leave executed issues alone, so a redelivery never applies a plan twice.
func (s *Server) webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(s.secret) > 0 && !ValidSignature(s.secret, body, c.Request().Header.Get(headerSignature)) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event := c.Request().Header.Get(headerEvent)
	resp := webhookResponse{Event: event, Result: "ignored"}
	if event == "ping" {
		resp.Result = "pong"
		return c.JSON(http.StatusOK, resp)
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	resp.Action, resp.Issue = p.Action, p.Issue.Number
	log := s.log.With("event", event, "action", p.Action, "issue", p.Issue.Number, "delivery", c.Request().Header.Get(headerDelivery))

	if p.Issue.Number < 1 || isPullRequest(p.Issue.PullRequest) {
		return c.JSON(http.StatusAccepted, resp)
	}
	ctx := c.Request().Context()

	switch {
	case event == "issues" && p.Action == "opened":
		resp.Stage = "propose"
		out, err := s.svc.Propose(ctx, pipeline.ProposeRequest{Issue: p.Issue.Number, Options: s.defaults})
		if err != nil {
			log.Error("webhook propose failed", "err", err)
			return err
		}
		resp.Result = out.Debug.ExecutionResult

	case event == "issue_comment" && p.Action == "created" && approval.IsApprove(p.Comment.Body):
		resp.Stage = "execute"
		out, err := s.svc.Execute(ctx, p.Issue.Number)
		if err != nil {
			log.Error("webhook execute failed", "approver", p.Comment.User.Login, "err", err)
			return err
		}
		resp.Result = string(out.ExecutionResult)

	default:
		return c.JSON(http.StatusAccepted, resp)
	}

	log.Info("webhook handled", "stage", resp.Stage, "result", resp.Result)
	return c.JSON(http.StatusOK, resp)
}

// #endregion webhook
