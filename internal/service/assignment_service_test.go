package service

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/util"
	"context"
	"errors"
	"testing"
)

func newAssignmentFixture() (*AssignmentService, *fixture) {
	f := newFixture()
	return NewAssignmentService(f.store, f.store), f
}

func validInput() AssignmentInput {
	return AssignmentInput{
		Title:           "Interview practice",
		DurationMinutes: intptr(20),
		MaxAttempts:     1,
		IsPublished:     true,
		InstituteID:     strptr(instituteA),
		Questions: []QuestionInput{
			{Kind: model.QuestionTrueFalse, Prompt: "Dress code matters", Options: []string{"true", "false"}, CorrectAnswers: []string{"true"}, Marks: 2, OrderIndex: 0},
			{Kind: model.QuestionTask, Prompt: "Upload your CV", Marks: 8, OrderIndex: 1},
		},
	}
}

func TestCreateAssignment(t *testing.T) {
	svc, f := newAssignmentFixture()
	ctx := context.Background()

	detail, err := svc.CreateAssignment(ctx, adminID, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if detail.ID == "" || detail.Title != "Interview practice" || detail.CreatedBy != adminID {
		t.Fatalf("unexpected assignment %+v", detail.Assignment)
	}
	if *detail.DurationMinutes != 20 {
		t.Fatalf("duration not copied")
	}
	stored, _ := f.store.ListQuestions(ctx, detail.ID)
	if len(stored) != 2 || stored[0].AssignmentID != detail.ID {
		t.Fatalf("expected 2 stored questions, got %+v", stored)
	}
	if got := stored[0].OptionList(); len(got) != 2 {
		t.Fatalf("expected options to be stored, got %v", got)
	}
}

func TestCreateAssignment_Validation(t *testing.T) {
	svc, _ := newAssignmentFixture()
	ctx := context.Background()

	cases := map[string]func(in *AssignmentInput){
		"missing title":       func(in *AssignmentInput) { in.Title = "" },
		"zero duration":       func(in *AssignmentInput) { in.DurationMinutes = intptr(0) },
		"unknown kind":        func(in *AssignmentInput) { in.Questions[0].Kind = "essay" },
		"duplicate order":     func(in *AssignmentInput) { in.Questions[1].OrderIndex = 0 },
		"correct not offered": func(in *AssignmentInput) { in.Questions[0].CorrectAnswers = []string{"maybe"} },
		"two true answers":    func(in *AssignmentInput) { in.Questions[0].CorrectAnswers = []string{"true", "false"} },
		"options on a task":   func(in *AssignmentInput) { in.Questions[1].Options = []string{"a", "b"} },
		"zero marks":          func(in *AssignmentInput) { in.Questions[1].Marks = 0 },
	}
	for name, mutate := range cases {
		in := validInput()
		mutate(&in)
		if _, err := svc.CreateAssignment(ctx, adminID, in); !errors.Is(err, util.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestCreateAssignment_OtherInstitute(t *testing.T) {
	svc, _ := newAssignmentFixture()
	if _, err := svc.CreateAssignment(context.Background(), outsiderID, validInput()); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestUpdateAssignment_QuestionsLockedAfterStart(t *testing.T) {
	svc, f := newAssignmentFixture()
	ctx := context.Background()

	in := AssignmentInput{Title: "Career readiness v2", DurationMinutes: intptr(45), MaxAttempts: 2, IsPublished: true, InstituteID: strptr(instituteA)}
	detail, err := svc.UpdateAssignment(ctx, adminID, "asg-1", in)
	if err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	if detail.Title != "Career readiness v2" || len(detail.Questions) != 3 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	if _, err := f.svc.StartAttempt(ctx, studentID, "asg-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	in.Questions = validInput().Questions
	if _, err := svc.UpdateAssignment(ctx, adminID, "asg-1", in); !errors.Is(err, util.ErrQuestionsLocked) {
		t.Fatalf("expected ErrQuestionsLocked, got %v", err)
	}
	if err := svc.DeleteAssignment(ctx, adminID, "asg-1"); !errors.Is(err, util.ErrAssignmentHasAttempts) {
		t.Fatalf("expected ErrAssignmentHasAttempts, got %v", err)
	}
}

func TestUpdateAssignment_UnknownQuestionID(t *testing.T) {
	svc, _ := newAssignmentFixture()
	in := validInput()
	in.Questions[0].ID = "q-from-elsewhere"
	if _, err := svc.UpdateAssignment(context.Background(), adminID, "asg-1", in); !errors.Is(err, util.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
}

func TestDeleteAssignment(t *testing.T) {
	svc, _ := newAssignmentFixture()
	ctx := context.Background()

	if err := svc.DeleteAssignment(ctx, outsiderID, "asg-1"); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := svc.DeleteAssignment(ctx, adminID, "asg-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetAssignment(ctx, "asg-1"); !errors.Is(err, util.ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
}
