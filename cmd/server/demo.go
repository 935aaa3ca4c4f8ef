package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/reqlens/reqlens/internal/collector"
	"github.com/reqlens/reqlens/internal/pkg/apperrors"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/profiler"
	"go.mongodb.org/mongo-driver/bson"
)

// demoHandlers exercise every collector so a fresh checkout has something to
// look at in the profiler.
type demoHandlers struct {
	svc   *profiler.Service
	pg    *sqlx.DB
	mysql *sqlx.DB
	users *collector.MongoCollection
	cache *collector.Cache
}

func (d *demoHandlers) register(r gin.IRouter) {
	g := r.Group("/demo")
	g.GET("/items", d.listItems)
	g.GET("/items/:id", d.getItem)
	g.GET("/nplus1", d.nPlusOne)
	g.GET("/orders", d.listOrders)
	g.GET("/users", d.listUsers)
	g.POST("/users", d.createUser)
	g.GET("/boom", d.boom)
}

func (d *demoHandlers) listItems(c *gin.Context) {
	if d.pg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "postgres not configured"})
		return
	}
	ctx := c.Request.Context()
	var names []string
	if err := d.pg.SelectContext(ctx, &names, "SELECT name FROM items ORDER BY id"); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	logger.Get().InfoContext(ctx, "items listed", "count", len(names))
	c.JSON(http.StatusOK, gin.H{"items": names})
}

func (d *demoHandlers) getItem(c *gin.Context) {
	if d.pg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "postgres not configured"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	if d.cache != nil {
		if cached, err := d.cache.Get(ctx, "item:"+id); err == nil {
			c.JSON(http.StatusOK, gin.H{"item": cached, "cached": true})
			return
		}
	}

	var name string
	if err := d.pg.GetContext(ctx, &name, "SELECT name FROM items WHERE id = $1", id); err != nil {
		c.Error(apperrors.NewNotFound("item not found"))
		return
	}
	if d.cache != nil {
		_ = d.cache.Set(ctx, "item:"+id, name, 5*time.Minute)
	}
	c.JSON(http.StatusOK, gin.H{"item": name, "cached": false})
}

// nPlusOne deliberately runs the same statement once per row, the
// anti-pattern the analysis tags.
func (d *demoHandlers) nPlusOne(c *gin.Context) {
	if d.pg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "postgres not configured"})
		return
	}
	ctx := c.Request.Context()
	var ids []int
	if err := d.pg.SelectContext(ctx, &ids, "SELECT id FROM items ORDER BY id LIMIT 5"); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		var name string
		if err := d.pg.GetContext(ctx, &name, "SELECT name FROM items WHERE id = $1", id); err == nil {
			names = append(names, name)
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": names})
}

func (d *demoHandlers) listOrders(c *gin.Context) {
	if d.mysql == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mysql not configured"})
		return
	}
	ctx := c.Request.Context()
	var totals []float64
	if err := d.mysql.SelectContext(ctx, &totals, "SELECT total FROM orders ORDER BY id"); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": totals})
}

func (d *demoHandlers) listUsers(c *gin.Context) {
	if d.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mongo not configured"})
		return
	}
	ctx := c.Request.Context()
	cur, err := d.users.Find(ctx, bson.M{})
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	var users []bson.M
	if err := cur.All(ctx, &users); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (d *demoHandlers) createUser(c *gin.Context) {
	if d.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mongo not configured"})
		return
	}
	var body bson.M
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	res, err := d.users.InsertOne(c.Request.Context(), body)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": res.InsertedID})
}

func (d *demoHandlers) boom(c *gin.Context) {
	c.Error(apperrors.New(apperrors.ErrInternal, "demo exception", nil))
}

// mongoHost pulls "host:port" out of a mongodb:// URI for the connection
// label.
func mongoHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		if rest, ok := strings.CutPrefix(uri, "mongodb://"); ok {
			if idx := strings.IndexAny(rest, "/?"); idx >= 0 {
				rest = rest[:idx]
			}
			if rest != "" {
				return rest
			}
		}
		return "localhost:27017"
	}
	return u.Host
}
