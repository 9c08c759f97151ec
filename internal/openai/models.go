package openai

// ModelsResponse is the payload returned by /v1/models.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model describes a single selectable model id.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList wraps ids into the OpenAI list shape with a common owner.
func ModelList(ids []string, ownedBy string, created int64) ModelsResponse {
	data := make([]Model, 0, len(ids))
	for _, id := range ids {
		data = append(data, Model{ID: id, Object: "model", Created: created, OwnedBy: ownedBy})
	}
	return ModelsResponse{Object: "list", Data: data}
}
