package middlewares

import (
	"context"
	"errors"

	"github.com/graph-gophers/dataloader/v7"

	"github.com/mmdatafocus/procuresight_backend/models"
)

var errNoLoaders = errors.New("dataloaders are not installed on this request")

type vendorReader struct {
	store models.VendorStore
}

func (r *vendorReader) getVendors(ctx context.Context, ids []int) []*dataloader.Result[*models.Vendor] {
	results, err := r.store.GetVendorsByIds(ctx, ids)
	if err != nil {
		return handleError[*models.Vendor](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

func GetVendor(ctx context.Context, id int) (*models.Vendor, error) {
	loaders := For(ctx)
	if loaders == nil {
		return nil, errNoLoaders
	}
	return loaders.vendorLoader.Load(ctx, id)()
}

func GetVendors(ctx context.Context, ids []int) ([]*models.Vendor, []error) {
	loaders := For(ctx)
	if loaders == nil {
		return nil, []error{errNoLoaders}
	}
	return loaders.vendorLoader.LoadMany(ctx, ids)()
}

// VendorNames resolves vendor names for ids in one batch. Ids that fail to
// load are left out.
func VendorNames(ctx context.Context, ids []int) map[int]string {
	names := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return names
	}
	seen := make(map[int]bool, len(ids))
	unique := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	vendors, errs := GetVendors(ctx, unique)
	for i, v := range vendors {
		if v == nil || (i < len(errs) && errs[i] != nil) {
			continue
		}
		names[v.ID] = v.Name
	}
	return names
}
