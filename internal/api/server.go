// Package api exposes the control plane over HTTP. The router is thin:
// handlers bind JSON, call the storage layer or the rule engine, and map
// the error taxonomy to status codes. Authentication is an external
// concern; handlers trust the X-Rucio-Account header.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gridline/gridline/internal/rule"
	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

type Server struct {
	store  storage.Storage
	engine *rule.Engine
	log    zerolog.Logger
}

func NewServer(store storage.Storage, engine *rule.Engine, log zerolog.Logger) *Server {
	return &Server{store: store, engine: engine, log: log.With().Str("component", "api").Logger()}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logging())

	r.POST("/scopes/:scope", s.addScope)

	dids := r.Group("/dids")
	{
		dids.GET("/:scope", s.listDIDs)
		dids.POST("/:scope/:name", s.addDID)
		dids.GET("/:scope/:name", s.getDID)
		dids.GET("/:scope/:name/meta", s.getMetadata)
		dids.POST("/:scope/:name/meta/:key", s.setMetadata)
		dids.PUT("/:scope/:name/status", s.setStatus)
		dids.POST("/:scope/:name/dids", s.attach)
		dids.DELETE("/:scope/:name/dids", s.detach)
		dids.GET("/:scope/:name/dids", s.listContent)
		dids.GET("/:scope/:name/files", s.listFiles)
		dids.GET("/:scope/:name/parents", s.listParents)
		dids.GET("/:scope/:name/locks", s.getLocks)
	}

	rules := r.Group("/rules")
	{
		rules.POST("", s.addRule)
		rules.GET("", s.listRules)
		rules.GET("/:id", s.getRule)
		rules.GET("/:id/locks", s.getRuleLocks)
		rules.PUT("/:id/locks", s.setLockState)
	}

	rses := r.Group("/rses")
	{
		rses.POST("/:rse", s.addRSE)
		rses.GET("", s.listRSEs)
		rses.POST("/:rse/attr/:key", s.setRSEAttribute)
		rses.PUT("/:rse/limits/:account", s.setAccountLimit)
	}

	return r
}

func (s *Server) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func account(c *gin.Context) string {
	return c.GetHeader("X-Rucio-Account")
}

func (s *Server) addScope(c *gin.Context) {
	if err := s.store.AddScope(c.Request.Context(), c.Param("scope"), account(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

type addDIDRequest struct {
	Type      types.DIDType  `json:"type"`
	Monotonic bool           `json:"monotonic"`
	Lifetime  int64          `json:"lifetime"`
	Meta      map[string]any `json:"meta"`
	Rules     []ruleRequest  `json:"rules"`
}

type ruleRequest struct {
	Copies        int            `json:"copies"`
	RSEExpression string         `json:"rse_expression"`
	Grouping      types.Grouping `json:"grouping"`
	Weight        string         `json:"weight"`
	Lifetime      int64          `json:"lifetime"`
	Locked        bool           `json:"locked"`
	Comment       string         `json:"comment"`
}

func (s *Server) addDID(c *gin.Context) {
	var req addDIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	did := types.NewDID{
		Scope:     c.Param("scope"),
		Name:      c.Param("name"),
		Type:      req.Type,
		Account:   account(c),
		Monotonic: req.Monotonic,
		Lifetime:  time.Duration(req.Lifetime) * time.Second,
		Meta:      req.Meta,
	}
	ctx := c.Request.Context()
	if err := s.store.AddDIDs(ctx, []types.NewDID{did}, account(c)); err != nil {
		fail(c, err)
		return
	}
	for _, r := range req.Rules {
		_, err := s.engine.AddReplicationRule(ctx, rule.Request{
			DIDs:          []types.DIDRef{{Scope: did.Scope, Name: did.Name}},
			Account:       account(c),
			Copies:        r.Copies,
			RSEExpression: r.RSEExpression,
			Grouping:      r.Grouping,
			Weight:        r.Weight,
			Lifetime:      time.Duration(r.Lifetime) * time.Second,
			Locked:        r.Locked,
			Comment:       r.Comment,
		})
		if err != nil {
			fail(c, err)
			return
		}
	}
	c.Status(http.StatusCreated)
}

func (s *Server) getDID(c *gin.Context) {
	did, err := s.store.GetDID(c.Request.Context(), c.Param("scope"), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, did)
}

func (s *Server) getMetadata(c *gin.Context) {
	meta, err := s.store.GetMetadata(c.Request.Context(), c.Param("scope"), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) setMetadata(c *gin.Context) {
	var body struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	err := s.store.SetMetadata(c.Request.Context(), c.Param("scope"), c.Param("name"), c.Param("key"), body.Value)
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) setStatus(c *gin.Context) {
	var body struct {
		Open bool `json:"open"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	if err := s.store.SetStatus(c.Request.Context(), c.Param("scope"), c.Param("name"), body.Open); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type attachRequest struct {
	RSE  string       `json:"rse"`
	DIDs []types.File `json:"dids"`
}

func (s *Server) attach(c *gin.Context) {
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	att := types.Attachment{
		Scope: c.Param("scope"),
		Name:  c.Param("name"),
		DIDs:  req.DIDs,
		RSE:   req.RSE,
	}
	if err := s.store.Attach(c.Request.Context(), []types.Attachment{att}, account(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) detach(c *gin.Context) {
	var body struct {
		DIDs []types.DIDRef `json:"dids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	if err := s.store.Detach(c.Request.Context(), c.Param("scope"), c.Param("name"), body.DIDs); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) listContent(c *gin.Context) {
	entries, err := s.store.ListContent(c.Request.Context(), c.Param("scope"), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) listFiles(c *gin.Context) {
	long := c.Query("long") == "1" || c.Query("long") == "true"
	files, err := s.store.ListFiles(c.Request.Context(), c.Param("scope"), c.Param("name"), long)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

func (s *Server) listParents(c *gin.Context) {
	recursive := c.Query("recursive") == "1" || c.Query("recursive") == "true"
	parents, err := s.store.ListParentDIDs(c.Request.Context(), c.Param("scope"), c.Param("name"), recursive)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, parents)
}

func (s *Server) listDIDs(c *gin.Context) {
	filters := storage.DIDFilter{}
	if name := c.Query("name"); name != "" {
		filters["name"] = name
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	names, err := s.store.ListDIDs(c.Request.Context(), c.Param("scope"), filters, c.DefaultQuery("type", "all"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) getLocks(c *gin.Context) {
	locks, err := s.store.GetReplicaLocks(c.Request.Context(), c.Param("scope"), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, locks)
}

type addRuleRequest struct {
	DIDs []types.DIDRef `json:"dids"`
	ruleRequest
}

func (s *Server) addRule(c *gin.Context) {
	var req addRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, types.ErrInvalidReplicationRule)
		return
	}
	ids, err := s.engine.AddReplicationRule(c.Request.Context(), rule.Request{
		DIDs:          req.DIDs,
		Account:       account(c),
		Copies:        req.Copies,
		RSEExpression: req.RSEExpression,
		Grouping:      req.Grouping,
		Weight:        req.Weight,
		Lifetime:      time.Duration(req.Lifetime) * time.Second,
		Locked:        req.Locked,
		Comment:       req.Comment,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ids)
}

func (s *Server) listRules(c *gin.Context) {
	filter := storage.RuleFilter{
		Scope:   c.Query("scope"),
		Name:    c.Query("name"),
		Account: c.Query("account"),
		State:   types.RuleState(c.Query("state")),
	}
	rules, err := s.engine.ListReplicationRules(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) getRule(c *gin.Context) {
	r, err := s.engine.GetReplicationRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) getRuleLocks(c *gin.Context) {
	locks, err := s.store.GetReplicaLocksForRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, locks)
}

// setLockState is the transfer-completion callback: the mover reports the
// outcome of one transfer order.
func (s *Server) setLockState(c *gin.Context) {
	var body struct {
		RSEID string          `json:"rse_id"`
		Scope string          `json:"scope"`
		Name  string          `json:"name"`
		State types.LockState `json:"state"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	err := s.store.SetLockState(c.Request.Context(), c.Param("id"), body.RSEID, body.Scope, body.Name, body.State)
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) addRSE(c *gin.Context) {
	id, err := s.store.AddRSE(c.Request.Context(), c.Param("rse"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listRSEs(c *gin.Context) {
	rses, err := s.store.ListRSEs(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rses)
}

func (s *Server) setRSEAttribute(c *gin.Context) {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	r, err := s.store.GetRSE(c.Request.Context(), c.Param("rse"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.store.SetRSEAttribute(c.Request.Context(), r.ID, c.Param("key"), body.Value); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) setAccountLimit(c *gin.Context) {
	var body struct {
		Bytes int64 `json:"bytes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, types.ErrInvalidMetadata)
		return
	}
	r, err := s.store.GetRSE(c.Request.Context(), c.Param("rse"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.store.SetAccountLimit(c.Request.Context(), c.Param("account"), r.ID, body.Bytes); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}
