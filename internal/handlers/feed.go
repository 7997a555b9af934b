package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"imagesearch/internal/services"
)

type listImagesOutput struct {
	Body struct {
		Images []ImageView `json:"images"`
	}
}

type getImageInput struct {
	ID int64 `path:"id" minimum:"1"`
}

type getImageOutput struct {
	Body ImageView
}

type searchInput struct {
	Query     string `query:"q" doc:"Free-text query"`
	Threshold string `query:"threshold" doc:"Minimum cosine similarity, defaults to the configured threshold"`
}

type MatchView struct {
	Image      ImageView `json:"image"`
	Similarity float64   `json:"similarity"`
}

type searchOutput struct {
	Body struct {
		Query   string      `json:"query"`
		Results []MatchView `json:"results"`
	}
}

func (h *Handlers) registerFeed(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-images",
		Method:      http.MethodGet,
		Path:        "/api/images",
		Summary:     "List images, newest first",
		Tags:        []string{"images"},
	}, h.handleList)

	huma.Register(api, huma.Operation{
		OperationID: "get-image-metadata",
		Method:      http.MethodGet,
		Path:        "/api/images/{id}/metadata",
		Summary:     "Get image metadata",
		Tags:        []string{"images"},
	}, h.handleGet)

	huma.Register(api, huma.Operation{
		OperationID: "search-images",
		Method:      http.MethodGet,
		Path:        "/api/search",
		Summary:     "Rank images by similarity to a text query",
		Tags:        []string{"search"},
	}, h.handleSearch)
}

func (h *Handlers) handleList(ctx context.Context, _ *struct{}) (*listImagesOutput, error) {
	images, err := h.library.List(ctx)
	if err != nil {
		return nil, h.apiError("list", err)
	}

	out := &listImagesOutput{}
	out.Body.Images = make([]ImageView, 0, len(images))
	for _, img := range images {
		out.Body.Images = append(out.Body.Images, newImageView(img))
	}
	return out, nil
}

func (h *Handlers) handleGet(ctx context.Context, input *getImageInput) (*getImageOutput, error) {
	img, err := h.library.Get(ctx, input.ID)
	if err != nil {
		return nil, h.apiError("get", err)
	}
	return &getImageOutput{Body: newImageView(img)}, nil
}

func (h *Handlers) handleSearch(ctx context.Context, input *searchInput) (*searchOutput, error) {
	var threshold *float64
	if input.Threshold != "" {
		v, err := strconv.ParseFloat(input.Threshold, 64)
		if err != nil {
			return nil, huma.Error400BadRequest("threshold must be a number")
		}
		threshold = &v
	}

	matches, err := h.library.Search(ctx, services.Query{Text: input.Query}, threshold)
	if err != nil {
		return nil, h.apiError("search", err)
	}

	out := &searchOutput{}
	out.Body.Query = input.Query
	out.Body.Results = make([]MatchView, 0, len(matches))
	for _, m := range matches {
		out.Body.Results = append(out.Body.Results, MatchView{
			Image:      newImageView(m.Image),
			Similarity: m.Similarity,
		})
	}
	return out, nil
}
