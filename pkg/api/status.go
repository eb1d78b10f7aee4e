// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/mail-courier/pkg/apiresponses"
	"github.com/telekom/mail-courier/pkg/campaign"
	"github.com/telekom/mail-courier/pkg/listener"
	"github.com/telekom/mail-courier/pkg/mail"
	"github.com/telekom/mail-courier/pkg/quota"
)

// ListenerStatus is implemented by *listener.Listener.
type ListenerStatus interface {
	GetStatus() []listener.SessionStatus
}

// BreakerAdmin is implemented by *mail.Adapter.
type BreakerAdmin interface {
	BreakerStatus() []mail.BreakerStatus
	ResetBreaker(identity string) bool
}

// QuotaStats is implemented by *quota.Governor.
type QuotaStats interface {
	Stats() quota.Stats
}

// CampaignAdmin is implemented by *campaign.Orchestrator.
type CampaignAdmin interface {
	ListCampaigns() []campaign.Status
	GetCampaignStatus(id string) (campaign.Status, error)
	CancelCampaign(id string) error
}

// StatusController serves /status. Nil dependencies answer 503.
type StatusController struct {
	Listener  ListenerStatus
	Breakers  BreakerAdmin
	Quota     QuotaStats
	Campaigns CampaignAdmin
	Log       *zap.SugaredLogger
}

func (sc *StatusController) BasePath() string { return "status" }

func (sc *StatusController) Handlers() []gin.HandlerFunc { return nil }

func (sc *StatusController) Register(rg *gin.RouterGroup) error {
	rg.GET("listeners", sc.listeners)
	rg.GET("breakers", sc.breakers)
	rg.POST("breakers/:identity/reset", sc.resetBreaker)
	rg.GET("quota", sc.quota)
	rg.GET("campaigns", sc.listCampaigns)
	rg.GET("campaigns/:id", sc.getCampaign)
	rg.POST("campaigns/:id/cancel", sc.cancelCampaign)
	return nil
}

func (sc *StatusController) listeners(c *gin.Context) {
	if sc.Listener == nil {
		apiresponses.RespondServiceUnavailable(c, "listener")
		return
	}
	apiresponses.RespondOK(c, gin.H{"sessions": sc.Listener.GetStatus()})
}

func (sc *StatusController) breakers(c *gin.Context) {
	if sc.Breakers == nil {
		apiresponses.RespondServiceUnavailable(c, "send adapter")
		return
	}
	apiresponses.RespondOK(c, gin.H{"breakers": sc.Breakers.BreakerStatus()})
}

func (sc *StatusController) resetBreaker(c *gin.Context) {
	if sc.Breakers == nil {
		apiresponses.RespondServiceUnavailable(c, "send adapter")
		return
	}
	identity := c.Param("identity")
	if !sc.Breakers.ResetBreaker(identity) {
		apiresponses.RespondNotFound(c, "breaker", identity)
		return
	}
	if sc.Log != nil {
		sc.Log.Infow("Circuit breaker reset via ops API", "identity", identity, "client", c.ClientIP())
	}
	apiresponses.RespondOK(c, gin.H{"identity": identity, "state": mail.CircuitClosed.String()})
}

func (sc *StatusController) quota(c *gin.Context) {
	if sc.Quota == nil {
		apiresponses.RespondServiceUnavailable(c, "quota governor")
		return
	}
	apiresponses.RespondOK(c, sc.Quota.Stats())
}

func (sc *StatusController) listCampaigns(c *gin.Context) {
	if sc.Campaigns == nil {
		apiresponses.RespondServiceUnavailable(c, "campaign orchestrator")
		return
	}
	apiresponses.RespondOK(c, gin.H{"campaigns": sc.Campaigns.ListCampaigns()})
}

func (sc *StatusController) getCampaign(c *gin.Context) {
	if sc.Campaigns == nil {
		apiresponses.RespondServiceUnavailable(c, "campaign orchestrator")
		return
	}
	id := c.Param("id")
	st, err := sc.Campaigns.GetCampaignStatus(id)
	if err != nil {
		sc.campaignError(c, id, "get campaign status", err)
		return
	}
	apiresponses.RespondOK(c, st)
}

func (sc *StatusController) cancelCampaign(c *gin.Context) {
	if sc.Campaigns == nil {
		apiresponses.RespondServiceUnavailable(c, "campaign orchestrator")
		return
	}
	id := c.Param("id")
	if err := sc.Campaigns.CancelCampaign(id); err != nil {
		sc.campaignError(c, id, "cancel campaign", err)
		return
	}
	st, err := sc.Campaigns.GetCampaignStatus(id)
	if err != nil {
		sc.campaignError(c, id, "get campaign status", err)
		return
	}
	apiresponses.RespondOK(c, gin.H{"cancelled": true, "status": st})
}

func (sc *StatusController) campaignError(c *gin.Context, id, operation string, err error) {
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		apiresponses.RespondNotFound(c, "campaign", id)
	case errors.Is(err, campaign.ErrCampaignNotRunning):
		apiresponses.RespondConflict(c, err.Error())
	default:
		apiresponses.RespondInternalError(c, operation, err, sc.Log)
	}
}
