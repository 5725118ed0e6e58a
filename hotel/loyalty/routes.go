package loyalty

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hotelier/core"
	"github.com/relabs-tech/hotelier/core/access"
	"github.com/relabs-tech/hotelier/core/docstore"
	"github.com/relabs-tech/hotelier/core/logger"
	"github.com/relabs-tech/hotelier/core/rest"
)

var (
	memberPermits = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationDelete, core.OperationList}},
		{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationList}},
	}
	// pointsPermits allow manual balance corrections
	pointsPermits = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate}},
	}
	rewardPermits = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationDelete, core.OperationList}},
		{Role: access.RoleEverybody, Operations: []core.Operation{core.OperationRead, core.OperationList}},
	}
	redemptionPermits = []access.Permit{
		{Role: access.RoleManager, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationList}},
		{Role: access.RoleFrontDesk, Operations: []core.Operation{core.OperationCreate, core.OperationRead,
			core.OperationUpdate, core.OperationList}},
	}
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInsufficientPoints), errors.Is(err, ErrRewardUnavailable),
		errors.Is(err, ErrMemberSuspended), errors.Is(err, ErrAlreadyCancelled):
		err = rest.WithStatus(http.StatusConflict, err)
	}
	rest.WriteError(w, r, err)
}

func equalFilters(opts *docstore.ListOptions, parameters map[string]string) {
	for property, value := range parameters {
		opts.Filters = append(opts.Filters, docstore.Equal(property, value))
	}
}

// HandleRoutes adds the following routes to the router
//
//	GET,POST /members
//	GET,PUT,DELETE /members/{member_id}
//	GET /members/{member_id}/transactions
//	POST /members/{member_id}/points
//	POST /members/{member_id}/redemptions
//	GET,POST /rewards
//	GET,PUT,DELETE /rewards/{reward_id}
//	GET /redemptions
//	POST /redemptions/{redemption_id}/cancel
func (a *API) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("loyalty program")
	logger.Default().Debugln("  handle route: /members GET,POST")
	logger.Default().Debugln("  handle route: /members/{member_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /members/{member_id}/transactions GET")
	logger.Default().Debugln("  handle route: /members/{member_id}/points POST")
	logger.Default().Debugln("  handle route: /members/{member_id}/redemptions POST")
	logger.Default().Debugln("  handle route: /rewards GET,POST")
	logger.Default().Debugln("  handle route: /rewards/{reward_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /redemptions GET")
	logger.Default().Debugln("  handle route: /redemptions/{redemption_id}/cancel POST")

	a.handleMemberRoutes(router)
	a.handleRewardRoutes(router)

	router.HandleFunc("/members/{member_id}/redemptions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, redemptionPermits) {
			return
		}
		id, err := rest.PathID(r, "member_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body struct {
			RewardID uuid.UUID `json:"reward_id"`
		}
		if err := rest.DecodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		redemption, err := a.Redeem(r.Context(), id, body.RewardID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, redemption)
	}).Methods(http.MethodPost)

	router.HandleFunc("/redemptions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, redemptionPermits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "member_id", "reward_id", "status")
		if err != nil {
			writeError(w, r, err)
			return
		}
		equalFilters(&opts, parameters)
		redemptions, pagination, err := a.ListRedemptions(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, redemptions, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/redemptions/{redemption_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, redemptionPermits) {
			return
		}
		id, err := rest.PathID(r, "redemption_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		redemption, err := a.CancelRedemption(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, redemption)
	}).Methods(http.MethodPost)
}

func (a *API) handleMemberRoutes(router *mux.Router) {
	router.HandleFunc("/members", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, memberPermits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "email", "tier", "status", "member_number")
		if err != nil {
			writeError(w, r, err)
			return
		}
		equalFilters(&opts, parameters)
		members, pagination, err := a.ListMembers(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, members, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/members", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, memberPermits) {
			return
		}
		m := &Member{}
		if err := rest.DecodeBody(r, m); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.CreateMember(r.Context(), m); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, m)
	}).Methods(http.MethodPost)

	router.HandleFunc("/members/{member_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, memberPermits) {
			return
		}
		id, err := rest.PathID(r, "member_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		m, err := a.ReadMember(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, m)
	}).Methods(http.MethodGet)

	router.HandleFunc("/members/{member_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, memberPermits) {
			return
		}
		id, err := rest.PathID(r, "member_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		m, err := a.ReadMember(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, m); err != nil {
			writeError(w, r, err)
			return
		}
		m.MemberID = id
		if err := a.UpdateMember(r.Context(), m); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, m)
	}).Methods(http.MethodPut)

	router.HandleFunc("/members/{member_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, memberPermits) {
			return
		}
		id, err := rest.PathID(r, "member_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.DeleteMember(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/members/{member_id}/transactions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, memberPermits) {
			return
		}
		id, err := rest.PathID(r, "member_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "type")
		if err != nil {
			writeError(w, r, err)
			return
		}
		equalFilters(&opts, parameters)
		transactions, pagination, err := a.ListTransactions(r.Context(), id, opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, transactions, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/members/{member_id}/points", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, pointsPermits) {
			return
		}
		id, err := rest.PathID(r, "member_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var body struct {
			Points      int64  `json:"points"`
			Description string `json:"description"`
		}
		if err := rest.DecodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		_, transaction, err := a.AdjustPoints(r.Context(), id, body.Points, body.Description)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, transaction)
	}).Methods(http.MethodPost)
}

func (a *API) handleRewardRoutes(router *mux.Router) {
	router.HandleFunc("/rewards", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationList, rewardPermits) {
			return
		}
		opts, parameters, err := rest.ParseListOptions(r, "category", "active")
		if err != nil {
			writeError(w, r, err)
			return
		}
		equalFilters(&opts, parameters)
		rewards, pagination, err := a.ListRewards(r.Context(), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WritePage(w, r, rewards, pagination)
	}).Methods(http.MethodGet)

	router.HandleFunc("/rewards", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationCreate, rewardPermits) {
			return
		}
		reward := &Reward{Active: true}
		if err := rest.DecodeBody(r, reward); err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.CreateReward(r.Context(), reward); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusCreated, reward)
	}).Methods(http.MethodPost)

	router.HandleFunc("/rewards/{reward_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationRead, rewardPermits) {
			return
		}
		id, err := rest.PathID(r, "reward_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		reward, err := a.ReadReward(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, reward)
	}).Methods(http.MethodGet)

	router.HandleFunc("/rewards/{reward_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationUpdate, rewardPermits) {
			return
		}
		id, err := rest.PathID(r, "reward_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		reward, err := a.ReadReward(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := rest.DecodeBody(r, reward); err != nil {
			writeError(w, r, err)
			return
		}
		reward.RewardID = id
		if err := a.UpdateReward(r.Context(), reward); err != nil {
			writeError(w, r, err)
			return
		}
		rest.WriteJSON(w, r, http.StatusOK, reward)
	}).Methods(http.MethodPut)

	router.HandleFunc("/rewards/{reward_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !rest.Authorize(w, r, core.OperationDelete, rewardPermits) {
			return
		}
		id, err := rest.PathID(r, "reward_id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := a.DeleteReward(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}
