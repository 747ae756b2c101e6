package main

import (
	"context"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/extension"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/gin-gonic/gin"
	"github.com/ravilushqa/otelgqlgen"
	"github.com/redis/go-redis/v9"

	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/graph"
)

const (
	apqPrefix = "apq:"
	apqTTL    = 24 * time.Hour
	graphPath = "/api/graphql"
)

// APQCache stores automatic persisted queries in Redis.
type APQCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewAPQCache(client redis.UniversalClient, ttl time.Duration) *APQCache {
	return &APQCache{client: client, ttl: ttl}
}

func (c *APQCache) Add(ctx context.Context, key string, value interface{}) {
	c.client.Set(ctx, apqPrefix+key, value, c.ttl)
}

func (c *APQCache) Get(ctx context.Context, key string) (interface{}, bool) {
	s, err := c.client.Get(ctx, apqPrefix+key).Result()
	if err != nil {
		return struct{}{}, false
	}
	return s, true
}

// graphqlHandler serves alert and invoice reads plus the alert status
// mutation. The org comes from the same headers the REST routes use.
func (a *api) graphqlHandler(cache graphql.Cache) gin.HandlerFunc {
	h := handler.New(graph.NewExecutableSchema(&graph.Resolver{
		Stores:    a.stores,
		Sink:      a.pipeline.Sink,
		Publisher: a.hub,
	}))
	h.Use(otelgqlgen.Middleware())
	h.AddTransport(transport.GET{})
	h.AddTransport(transport.POST{})
	if cache != nil {
		h.Use(extension.AutomaticPersistedQuery{Cache: cache})
	}
	return func(c *gin.Context) {
		if _, ok := requireOrg(c); !ok {
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func playgroundHandler() gin.HandlerFunc {
	h := playground.Handler("ProcureSight", graphPath)
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// apqCache is nil when Redis is not connected; queries then run without
// persisted query support.
func apqCache() graphql.Cache {
	if rdb := config.GetRedisDB(); rdb != nil {
		return NewAPQCache(rdb, apqTTL)
	}
	return nil
}
