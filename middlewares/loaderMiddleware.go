package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap the request-scoped data loaders
type Loaders struct {
	vendorLoader *dataloader.Loader[int, *models.Vendor]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(vendors models.VendorStore) *Loaders {
	vendorReader := &vendorReader{store: vendors}
	return &Loaders{
		vendorLoader: dataloader.NewBatchedLoader(vendorReader.getVendors, dataloader.WithWait[int, *models.Vendor](time.Millisecond)),
	}
}

func LoaderMiddleware(vendors models.VendorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(vendors)
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or nil outside LoaderMiddleware.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// turns results from the store into dataloader results, in key order
// (ids with no row resolve to ErrorRecordNotFound)
func generateLoaderResults[T models.Identifier](results []T, ids []int) []*dataloader.Result[T] {
	resultMap := make(map[int]T, len(results))
	for _, result := range results {
		resultMap[result.GetId()] = result
	}

	loaderResults := make([]*dataloader.Result[T], 0, len(ids))
	for _, id := range ids {
		data, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[T]{Error: utils.ErrorRecordNotFound})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[T]{Data: data})
	}
	return loaderResults
}
