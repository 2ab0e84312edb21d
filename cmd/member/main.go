package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"cmsworkflow/internal/auth"
	"cmsworkflow/internal/config"
	"cmsworkflow/internal/store"
	"cmsworkflow/internal/workflow"
)

// member creates or updates a CMS member, adds it to groups by code and
// prints a bearer token for the API.
func main() {
	var (
		id        = flag.String("id", "", "member id")
		email     = flag.String("email", "", "member email")
		firstName = flag.String("first-name", "", "member first name")
		surname   = flag.String("surname", "", "member surname")
		groups    = flag.String("groups", "", "comma separated group codes, e.g. site-content-authors")
	)
	flag.Parse()
	if strings.TrimSpace(*id) == "" {
		log.Fatal("-id is required")
	}

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	member := workflow.Member{ID: *id, Email: *email, FirstName: *firstName, Surname: *surname}
	if err := dataStore.UpsertMember(ctx, member); err != nil {
		log.Fatalf("save member: %v", err)
	}
	for _, code := range strings.Split(*groups, ",") {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		group, err := dataStore.GroupByCode(ctx, code)
		if err != nil {
			log.Fatalf("group %s: %v", code, err)
		}
		if err := dataStore.AddGroupMember(ctx, group.ID, member.ID); err != nil {
			log.Fatalf("join %s: %v", code, err)
		}
	}

	token, err := auth.IssueMemberToken([]byte(cfg.JWTSecret), member.ID, member.Name(), cfg.TokenTTL)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
