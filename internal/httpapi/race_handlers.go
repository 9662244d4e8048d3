package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"quotana.org/internal/auth"
	"quotana.org/internal/ids"
	"quotana.org/internal/obs"
	"quotana.org/internal/race"
	"quotana.org/internal/stream"
)

type createRaceRequest struct {
	RFQ       rfqPayload      `json:"rfq"`
	Suppliers []race.Supplier `json:"suppliers"`
}

type rfqPayload struct {
	ID       string            `json:"id"`
	BuyerID  string            `json:"buyer_id"`
	OrgID    string            `json:"org_id"`
	Type     race.RFQType      `json:"rfq_type"`
	Title    string            `json:"title"`
	Spec     race.SpecPayload  `json:"spec"`
	Budget   *race.BudgetRange `json:"budget,omitempty"`
	Deadline *time.Time        `json:"deadline,omitempty"`
	Urgency  race.Urgency      `json:"urgency,omitempty"`
}

type createRaceResponse struct {
	RFQID       string           `json:"rfq_id"`
	RaceOpensAt time.Time        `json:"race_opens_at"`
	Broadcasts  []race.Broadcast `json:"broadcasts"`
}

type submitResponseRequest struct {
	SupplierID  string            `json:"supplier_id"`
	Type        race.ResponseType `json:"response_type"`
	QuotedPrice *race.Money       `json:"quoted_price,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type selectWinnerRequest struct {
	SupplierID string `json:"supplier_id"`
}

func (a *API) handleRacesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRace(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleRaceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/races/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRFQ(w, r, id)
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "broadcasts":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listBroadcasts(w, r, id)
	case len(parts) == 2 && parts[1] == "responses":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.submitResponse(w, r, id)
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.buyerDecision(w, r, id, parts[1])
	case len(parts) == 4 && parts[1] == "broadcasts" && parts[3] == "delivered":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markDelivered(w, r, id, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRace(w http.ResponseWriter, r *http.Request) {
	if !auth.HasRole(r.Context(), auth.RoleBuyer) && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "buyer role required")
		return
	}
	var req createRaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RFQ.BuyerID) == "" {
		writeError(w, r, http.StatusBadRequest, "rfq.buyer_id is required")
		return
	}
	if !req.RFQ.Type.Valid() {
		writeError(w, r, http.StatusBadRequest, "rfq.rfq_type must be commodity, custom or service")
		return
	}
	if len(req.Suppliers) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one supplier is required")
		return
	}

	rfq := race.RFQ{
		ID:       strings.TrimSpace(req.RFQ.ID),
		BuyerID:  req.RFQ.BuyerID,
		OrgID:    req.RFQ.OrgID,
		Type:     req.RFQ.Type,
		Title:    req.RFQ.Title,
		Spec:     req.RFQ.Spec,
		Budget:   req.RFQ.Budget,
		Deadline: req.RFQ.Deadline,
		Urgency:  req.RFQ.Urgency,
	}
	if rfq.ID == "" {
		rfq.ID = ids.New()
	}

	opensAt, err := a.engine.CreateRace(r.Context(), rfq, req.Suppliers)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}
	broadcasts, err := a.engine.Broadcasts(r.Context(), rfq.ID)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}

	obs.RaceCreated(string(rfq.Type))
	if a.events != nil {
		a.events.Emit(stream.EventRaceCreated, rfq.ID, "")
	}
	a.audit(r.Context(), "race.create", "rfq", rfq.ID, map[string]string{
		"rfq_type": string(rfq.Type),
		"urgency":  string(rfq.Urgency),
	})

	w.Header().Set("Location", "/v1/races/"+rfq.ID)
	writeJSON(w, http.StatusCreated, createRaceResponse{
		RFQID:       rfq.ID,
		RaceOpensAt: opensAt,
		Broadcasts:  broadcasts,
	})
}

func (a *API) getRFQ(w http.ResponseWriter, r *http.Request, id string) {
	rfq, err := a.engine.GetRFQ(r.Context(), id)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rfq)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, err := a.engine.RaceStatus(r.Context(), id)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) listBroadcasts(w http.ResponseWriter, r *http.Request, id string) {
	rows, err := a.engine.Broadcasts(r.Context(), id)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (a *API) submitResponse(w http.ResponseWriter, r *http.Request, id string) {
	if !auth.HasRole(r.Context(), auth.RoleSupplier) && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "supplier role required")
		return
	}
	var req submitResponseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SupplierID) == "" {
		writeError(w, r, http.StatusBadRequest, "supplier_id is required")
		return
	}
	if !req.Type.Valid() {
		writeError(w, r, http.StatusBadRequest, "response_type must be accept, info_request or decline")
		return
	}

	outcome, err := a.engine.SubmitResponse(r.Context(), id, req.SupplierID, req.Type, req.QuotedPrice, req.Message)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}

	obs.ResponseArbitrated(string(req.Type), string(outcome.Kind))
	switch outcome.Kind {
	case race.OutcomeAwarded:
		rfq, gerr := a.engine.GetRFQ(r.Context(), id)
		if gerr == nil {
			obs.RaceAwarded(string(rfq.Type))
		}
		if a.events != nil {
			a.events.Emit(stream.EventAwarded, id, outcome.SupplierID)
		}
		a.audit(r.Context(), "race.award", "rfq", id, map[string]string{
			"supplier_id": outcome.SupplierID,
		})
	case race.OutcomeHoldGranted:
		if a.events != nil {
			a.events.Emit(stream.EventHoldGranted, id, outcome.SupplierID)
		}
		a.audit(r.Context(), "race.hold.grant", "rfq", id, map[string]string{
			"supplier_id": outcome.SupplierID,
			"expires_at":  outcome.ExpiresAt.Format(time.RFC3339),
		})
	case race.OutcomeRejected:
		obs.ResponseRejected(string(outcome.Reason))
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (a *API) buyerDecision(w http.ResponseWriter, r *http.Request, id, action string) {
	if !auth.HasRole(r.Context(), auth.RoleBuyer) && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "buyer role required")
		return
	}

	var (
		rfq race.RFQ
		err error
	)
	switch action {
	case "confirm":
		rfq, err = a.engine.ConfirmHold(r.Context(), id)
	case "release":
		rfq, err = a.engine.ReleaseHold(r.Context(), id)
	case "select":
		var req selectWinnerRequest
		if derr := decodeJSON(w, r, &req); derr != nil {
			writeError(w, r, http.StatusBadRequest, derr.Error())
			return
		}
		if strings.TrimSpace(req.SupplierID) == "" {
			writeError(w, r, http.StatusBadRequest, "supplier_id is required")
			return
		}
		rfq, err = a.engine.SelectWinner(r.Context(), id, req.SupplierID)
	case "cancel":
		rfq, err = a.engine.Cancel(r.Context(), id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleRaceError(w, r, err)
		return
	}

	switch rfq.Status {
	case race.StatusAwarded:
		obs.RaceAwarded(string(rfq.Type))
		if a.events != nil {
			a.events.Emit(stream.EventAwarded, id, rfq.AwardedTo)
		}
		a.audit(r.Context(), "race."+action, "rfq", id, map[string]string{
			"awarded_to": rfq.AwardedTo,
		})
	case race.StatusCancelled:
		if a.events != nil {
			a.events.Emit(stream.EventCancelled, id, "")
		}
		a.audit(r.Context(), "race.cancel", "rfq", id, nil)
	default:
		a.audit(r.Context(), "race."+action, "rfq", id, nil)
	}

	writeJSON(w, http.StatusOK, rfq)
}

func (a *API) markDelivered(w http.ResponseWriter, r *http.Request, id, supplierID string) {
	b, err := a.engine.MarkBroadcastDelivered(r.Context(), id, supplierID)
	if err != nil {
		handleRaceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleRaceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, race.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, race.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, race.ErrInvalidState),
		errors.Is(err, race.ErrAlreadyExists),
		errors.Is(err, race.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
