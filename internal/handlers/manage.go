package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"imagesearch/internal/services"
)

type deleteImageInput struct {
	ID int64 `path:"id" minimum:"1"`
}

type usageOutput struct {
	Body struct {
		Bytes  int64 `json:"bytes"`
		Images int   `json:"images"`
	}
}

type recoverOutput struct {
	Body services.RecoveryReport
}

func (h *Handlers) registerManage(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "delete-image",
		Method:        http.MethodDelete,
		Path:          "/api/images/{id}",
		Summary:       "Delete one image",
		Tags:          []string{"images"},
		DefaultStatus: http.StatusNoContent,
	}, h.handleDelete)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-all-images",
		Method:        http.MethodDelete,
		Path:          "/api/images",
		Summary:       "Delete every image",
		Tags:          []string{"images"},
		DefaultStatus: http.StatusNoContent,
	}, h.handleDeleteAll)

	huma.Register(api, huma.Operation{
		OperationID: "storage-usage",
		Method:      http.MethodGet,
		Path:        "/api/usage",
		Summary:     "Total size of stored images",
		Tags:        []string{"system"},
	}, h.handleUsage)

	huma.Register(api, huma.Operation{
		OperationID: "recover-pending",
		Method:      http.MethodPost,
		Path:        "/api/recover",
		Summary:     "Embed every image that is still pending",
		Tags:        []string{"system"},
	}, h.handleRecover)
}

func (h *Handlers) handleDelete(ctx context.Context, input *deleteImageInput) (*struct{}, error) {
	if err := h.library.DeleteOne(ctx, input.ID); err != nil {
		return nil, h.apiError("delete", err)
	}
	return nil, nil
}

func (h *Handlers) handleDeleteAll(ctx context.Context, _ *struct{}) (*struct{}, error) {
	if err := h.library.DeleteAll(ctx); err != nil {
		return nil, h.apiError("delete_all", err)
	}
	return nil, nil
}

func (h *Handlers) handleUsage(ctx context.Context, _ *struct{}) (*usageOutput, error) {
	bytes, err := h.library.StorageUsage(ctx)
	if err != nil {
		return nil, h.apiError("usage", err)
	}
	images, err := h.library.List(ctx)
	if err != nil {
		return nil, h.apiError("usage", err)
	}

	out := &usageOutput{}
	out.Body.Bytes = bytes
	out.Body.Images = len(images)
	return out, nil
}

func (h *Handlers) handleRecover(ctx context.Context, _ *struct{}) (*recoverOutput, error) {
	report, err := h.library.RecoverPending(ctx)
	if err != nil {
		return nil, h.apiError("recover", err)
	}
	return &recoverOutput{Body: report}, nil
}
