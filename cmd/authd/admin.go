package main

import (
	"net/http"

	"github.com/goliatone/go-router"
	"github.com/google/uuid"
	"github.com/lavet13/tour-sub000"
)

func revokeSessions(ctx router.Context, service *auth.SessionService) error {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid account id"})
	}

	actor := auth.ActorRef{Type: "admin"}
	if claims, ok := auth.ClaimsFromContext(ctx.Context()); ok {
		actor.ID = claims.UID
	}

	n, err := service.RevokeAll(ctx.Context(), actor, id)
	if err != nil {
		return ctx.JSON(auth.StatusForKind(auth.KindOf(err)), map[string]string{
			"error":     auth.KindOf(err).String(),
			"text_code": auth.TextCodeOf(err),
		})
	}
	return ctx.JSON(http.StatusOK, map[string]any{"revoked": n})
}
