package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/gorilla/mux"
)

type txOpRequest struct {
	Op           string            `json:"op"`
	Entity       string            `json:"entity,omitempty"`
	Doc          logcodec.Document `json:"doc,omitempty"`
	ExpectedHash string            `json:"expected_hash,omitempty"`
	BusinessTime *time.Time        `json:"business_time,omitempty"`
}

type txRequest struct {
	Ops []txOpRequest `json:"ops"`
}

type txResponse struct {
	TxID   int64     `json:"tx_id"`
	TxTime time.Time `json:"tx_time"`
}

func (s *Service) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req txRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Ops) == 0 {
		writeError(w, http.StatusBadRequest, "transaction has no operations")
		return
	}

	ops := make([]logcodec.Operation, 0, len(req.Ops))
	for i, or := range req.Ops {
		op, err := buildOperation(or)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("op %d: %v", i, err))
			return
		}
		ops = append(ops, op)
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	future, err := s.engine.SubmitTx(ctx, ops)
	if err != nil {
		if errors.Is(err, logcodec.ErrMalformedID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	receipt, err := future.Result(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, txResponse{TxID: receipt.TxID, TxTime: receipt.TxTime})
}

func buildOperation(or txOpRequest) (logcodec.Operation, error) {
	switch or.Op {
	case "put":
		if or.Doc == nil {
			return logcodec.Operation{}, errors.New("put requires a doc")
		}
		return logcodec.Put(or.Doc, or.BusinessTime), nil
	case "delete":
		eid, err := parseEntityID(or.Entity)
		if err != nil {
			return logcodec.Operation{}, err
		}
		return logcodec.Delete(eid, or.BusinessTime), nil
	case "cas":
		if or.Doc == nil {
			return logcodec.Operation{}, errors.New("cas requires a doc")
		}
		eid, err := parseEntityID(or.Entity)
		if err != nil {
			return logcodec.Operation{}, err
		}
		var expected logcodec.ContentHash
		if or.ExpectedHash != "" {
			raw, err := hex.DecodeString(or.ExpectedHash)
			if err != nil {
				return logcodec.Operation{}, fmt.Errorf("expected_hash: %w", err)
			}
			if expected, err = keycodec.NewDigest(raw); err != nil {
				return logcodec.Operation{}, fmt.Errorf("expected_hash: %w", err)
			}
		}
		return logcodec.Cas(eid, expected, or.Doc, or.BusinessTime), nil
	case "evict":
		eid, err := parseEntityID(or.Entity)
		if err != nil {
			return logcodec.Operation{}, err
		}
		return logcodec.Evict(eid), nil
	default:
		return logcodec.Operation{}, fmt.Errorf("unknown op %q", or.Op)
	}
}

type entityResponse struct {
	Entity       string            `json:"entity"`
	Hash         string            `json:"hash"`
	BusinessTime time.Time         `json:"business_time"`
	TxTime       time.Time         `json:"tx_time"`
	TxID         int64             `json:"tx_id"`
	Doc          logcodec.Document `json:"doc"`
}

func (s *Service) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	eid, err := parseEntityID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	businessTime, err := parseTimeParam(r, "business_time", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txTime, err := parseTimeParam(r, "tx_time", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	etx, err := s.engine.EntityTxAt(eid, businessTime, txTime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if etx == nil {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	doc, err := s.engine.GetDocument(etx.Hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, entityResponse{
		Entity:       etx.Entity.String(),
		Hash:         etx.Hash.String(),
		BusinessTime: etx.BusinessTime,
		TxTime:       etx.TxTime,
		TxID:         etx.TxID,
		Doc:          doc,
	})
}

type historyEntry struct {
	Hash         string    `json:"hash"`
	BusinessTime time.Time `json:"business_time"`
	TxTime       time.Time `json:"tx_time"`
	TxID         int64     `json:"tx_id"`
	Absent       bool      `json:"absent"`
}

func (s *Service) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	eid, err := parseEntityID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, err := s.engine.History(eid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cursor.Close()

	var entries []historyEntry
	for {
		etx, err := cursor.Next()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if etx == nil {
			break
		}
		entries = append(entries, historyEntry{
			Hash:         etx.Hash.String(),
			BusinessTime: etx.BusinessTime,
			TxTime:       etx.TxTime,
			TxID:         etx.TxID,
			Absent:       etx.Absent(),
		})
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type txLogEntry struct {
	TxID   int64     `json:"tx_id"`
	TxTime time.Time `json:"tx_time"`
	Ops    []txLogOp `json:"ops"`
}

type txLogOp struct {
	Kind         string     `json:"kind"`
	Entity       string     `json:"entity"`
	Hash         string     `json:"hash,omitempty"`
	ExpectedHash string     `json:"expected_hash,omitempty"`
	BusinessTime *time.Time `json:"business_time,omitempty"`
}

func (s *Service) handleTxLog(w http.ResponseWriter, r *http.Request) {
	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be an integer")
			return
		}
		from = v
	}
	limit := defaultTxLogPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxTxLogPageSize {
			writeError(w, http.StatusBadRequest, "limit out of range")
			return
		}
		limit = v
	}

	cursor, err := s.engine.TxLog(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cursor.Close()

	entries := make([]txLogEntry, 0, limit)
	for len(entries) < limit {
		entry, err := cursor.Next()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entry == nil {
			break
		}
		e := txLogEntry{TxID: entry.TxID, TxTime: entry.TxTime}
		for _, op := range entry.Ops {
			lop := txLogOp{
				Kind:         op.Kind.String(),
				Entity:       op.Entity.String(),
				BusinessTime: op.ValidTime,
			}
			if !op.Hash.IsZero() {
				lop.Hash = op.Hash.String()
			}
			if !op.OldHash.IsZero() {
				lop.ExpectedHash = op.OldHash.String()
			}
			e.Ops = append(e.Ops, lop)
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

type attrEntryResponse struct {
	Hash string `json:"hash"`
}

func (s *Service) handleAttrRange(w http.ResponseWriter, r *http.Request) {
	attr := mux.Vars(r)["attr"]
	var lower, upper any
	if v := r.URL.Query().Get("lower"); v != "" {
		lower = v
	}
	if v := r.URL.Query().Get("upper"); v != "" {
		upper = v
	}

	cursor, err := s.engine.AttrRange(attr, lower, upper)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cursor.Close()

	var entries []attrEntryResponse
	for {
		entry, err := cursor.Next()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entry == nil {
			break
		}
		entries = append(entries, attrEntryResponse{Hash: entry.Hash.String()})
	}
	writeJSON(w, http.StatusOK, entries)
}
