package handler

import (
	"net/http"

	"github.com/docgate-service/internal/docs"
	"github.com/docgate-service/internal/model"
)

type InfoHandler struct {
	keyPrefix string
}

func NewInfoHandler(keyPrefix string) *InfoHandler {
	return &InfoHandler{keyPrefix: keyPrefix}
}

type InfoResponse struct {
	Registries []docs.Registry `json:"registries"`
	KeyPrefix  string          `json:"key_prefix"`
	Tiers      []TierInfo      `json:"tiers"`
}

type TierInfo struct {
	Role         string  `json:"role"`
	PerMinute    int     `json:"per_minute,omitempty"`
	PerHour      int     `json:"per_hour,omitempty"`
	HourlyBudget float64 `json:"hourly_cost_budget,omitempty"`
	Unlimited    bool    `json:"unlimited,omitempty"`
}

func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tiers := make([]TierInfo, 0, 5)
	for _, role := range []model.Role{model.RoleAnonymous, model.RoleBasic, model.RolePremium, model.RoleDeveloper, model.RoleAdmin} {
		p := model.ProfileFor(role)
		tier := TierInfo{Role: role.String(), HourlyBudget: p.CostBudget, Unlimited: p.Unlimited}
		for _, nr := range p.Rules {
			switch nr.Type {
			case model.LimitPerMinute:
				tier.PerMinute = nr.Rule.Limit
			case model.LimitPerHour:
				tier.PerHour = nr.Rule.Limit
			}
		}
		tiers = append(tiers, tier)
	}

	RespondJSON(w, http.StatusOK, InfoResponse{
		Registries: []docs.Registry{docs.RegistryPyPI, docs.RegistryNPM, docs.RegistryGitHub},
		KeyPrefix:  h.keyPrefix,
		Tiers:      tiers,
	})
}
