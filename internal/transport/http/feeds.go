package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/feed"
)

type rpdePage struct {
	Next    string            `json:"next"`
	Items   []domain.FeedItem `json:"items"`
	License string            `json:"license"`
}

func (h *handlers) feedPage(w http.ResponseWriter, r *http.Request) {
	gen, err := h.feeds.Get(chi.URLParam(r, "feed"))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	cursor, err := parseCursor(r.URL.Query(), gen.Ordering())
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	page, err := gen.GetPage(r.Context(), cursor, r.Header.Get(headerClientID))
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	out := rpdePage{
		Next:    r.URL.Path + "?" + cursorQuery(page.Next, gen.Ordering()).Encode(),
		Items:   page.Items,
		License: page.License,
	}
	if out.Items == nil {
		out.Items = []domain.FeedItem{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func parseCursor(q url.Values, ordering feed.Ordering) (feed.Cursor, error) {
	var c feed.Cursor
	if ordering == feed.OrderingChangeNumber {
		if v := q.Get("afterChangeNumber"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return feed.Cursor{}, domain.ErrInvalidFeedCursor
			}
			c.AfterChangeNumber = n
		}
		return c, nil
	}

	if v := q.Get("afterTimestamp"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return feed.Cursor{}, domain.ErrInvalidFeedCursor
		}
		c.AfterTimestamp = n
	}
	c.AfterID = q.Get("afterId")
	return c, nil
}

func cursorQuery(c feed.Cursor, ordering feed.Ordering) url.Values {
	q := url.Values{}
	if ordering == feed.OrderingChangeNumber {
		q.Set("afterChangeNumber", strconv.FormatInt(c.AfterChangeNumber, 10))
		return q
	}
	if c.AfterTimestamp != 0 || c.AfterID != "" {
		q.Set("afterTimestamp", strconv.FormatInt(c.AfterTimestamp, 10))
		q.Set("afterId", c.AfterID)
	}
	return q
}
