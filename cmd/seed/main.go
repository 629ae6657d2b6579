package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"appointment-service/config"
	"appointment-service/internal/identity"
	"appointment-service/internal/models"
	"appointment-service/internal/service"
	"appointment-service/internal/store"

	"github.com/brianvoe/gofakeit/v7"
)

var specialties = []string{
	"General Practice",
	"Cardiology",
	"Dermatology",
	"Pediatrics",
	"Orthopedics",
	"Psychiatry",
	"ENT",
}

var morning = []service.TimeWindow{
	{Start: "09:00", End: "09:30"},
	{Start: "09:30", End: "10:00"},
	{Start: "10:00", End: "10:30"},
	{Start: "10:30", End: "11:00"},
	{Start: "11:00", End: "11:30"},
	{Start: "11:30", End: "12:00"},
}

func main() {
	doctors := flag.Int("doctors", 10, "doctors to create")
	patients := flag.Int("patients", 50, "patients to create")
	days := flag.Int("days", 14, "days of slots to open per doctor")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg := config.Load()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	policy := service.PolicyFromConfig(cfg)
	slots := service.NewSlotService(db, policy)
	issuer := identity.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	tomorrow := time.Now().In(policy.Location).AddDate(0, 0, 1)
	batch := service.SlotBatch{
		From:    store.CivilDate(tomorrow),
		To:      store.CivilDate(tomorrow.AddDate(0, 0, *days-1)),
		Windows: morning,
	}

	var firstDoctor, firstPatient int64
	for i := 0; i < *doctors; i++ {
		d := &models.Doctor{
			Name:            "Dr. " + gofakeit.Name(),
			Specialization:  specialties[gofakeit.Number(0, len(specialties)-1)],
			ConsultationFee: int64(gofakeit.Number(3, 20)) * 100,
			IsAvailable:     true,
		}
		if err := db.CreateDoctor(ctx, d); err != nil {
			log.Fatalf("seed doctor: %v", err)
		}
		created, err := slots.CreateSlots(ctx, d.ID, batch)
		if err != nil {
			log.Fatalf("seed slots for doctor %d: %v", d.ID, err)
		}
		if firstDoctor == 0 {
			firstDoctor = d.ID
		}
		log.Printf("doctor %d %q fee=%d slots=%d", d.ID, d.Name, d.ConsultationFee, created)
	}

	for i := 0; i < *patients; i++ {
		p := &models.Patient{
			Name:  gofakeit.Name(),
			Phone: gofakeit.Phone(),
			Email: gofakeit.Email(),
		}
		if err := db.CreatePatient(ctx, p); err != nil {
			log.Fatalf("seed patient: %v", err)
		}
		if firstPatient == 0 {
			firstPatient = p.ID
		}
	}
	log.Printf("patients seeded: %d", *patients)

	tokens := []identity.Principal{
		{UserID: firstDoctor, Role: models.RoleDoctor},
		{UserID: firstPatient, Role: models.RolePatient},
		{UserID: 1, Role: models.RoleAdmin},
	}
	for _, p := range tokens {
		if p.UserID == 0 {
			continue
		}
		tok, err := issuer.Issue(p)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Printf("%s %d: %s\n", p.Role, p.UserID, tok)
	}

	log.Println("seed complete")
}
