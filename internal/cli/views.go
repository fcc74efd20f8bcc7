package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ensaigpt/internal/apperr"
	"ensaigpt/internal/conversation"
	"ensaigpt/internal/storage"
)

func (a *App) homeView(ctx context.Context) error {
	choice, err := a.menu("Accueil", []string{
		"1. Se connecter",
		"2. Créer un compte",
		"0. Quitter",
	})
	if err != nil {
		return err
	}

	switch choice {
	case "1":
		handle, err := a.readLine("Pseudo : ")
		if err != nil {
			return err
		}
		password, err := a.readLine("Mot de passe : ")
		if err != nil {
			return err
		}
		sess, err := a.accounts.Login(ctx, handle, password)
		if err != nil {
			return err
		}
		a.session = &sess
		a.view = viewMain
		a.printf("Bonjour %s !\n", sess.User.Handle)
	case "2":
		handle, err := a.readLine("Pseudo : ")
		if err != nil {
			return err
		}
		password, err := a.readLine("Mot de passe : ")
		if err != nil {
			return err
		}
		u, err := a.accounts.Register(ctx, handle, password)
		if err != nil {
			return err
		}
		a.printf("Compte %s créé, vous pouvez vous connecter.\n", u.Handle)
	case "0":
		return errQuit
	default:
		a.println("Choix invalide.")
	}
	return nil
}

func (a *App) mainView(ctx context.Context) error {
	choice, err := a.menu("Menu principal", []string{
		"1. Nouvelle conversation",
		"2. Mes conversations",
		"3. Rechercher",
		"4. Ouvrir une conversation",
		"5. Statistiques",
		"6. Personnalisations disponibles",
		"0. Se déconnecter",
	})
	if err != nil {
		return err
	}
	userID := a.session.User.ID

	switch choice {
	case "1":
		title, err := a.readLine("Titre : ")
		if err != nil {
			return err
		}
		ref, err := a.readLine("Personnalisation (nom ou id, vide pour aucune) : ")
		if err != nil {
			return err
		}
		conv, err := a.conversations.Create(ctx, userID, title, ref)
		if err != nil {
			return err
		}
		a.current = conv.ID
		a.view = viewConversation
		a.printf("Conversation #%d créée.\n", conv.ID)
	case "2":
		convs, err := a.conversations.List(ctx, userID, listLimit)
		if err != nil {
			return err
		}
		a.printConversations(convs)
	case "3":
		return a.search(ctx, userID)
	case "4":
		id, err := a.readID("Numéro de la conversation : ")
		if err != nil {
			return err
		}
		members, err := a.conversations.Participants(ctx, id)
		if err != nil {
			return err
		}
		if !hasMember(members, userID) {
			return apperr.NotFound("conversation %d not found", id)
		}
		a.current = id
		a.view = viewConversation
	case "5":
		st, err := a.stats.Build(ctx, userID)
		if err != nil {
			return err
		}
		a.printf("Conversations : %d\nMessages : %d\nHeures d'utilisation : %.1f\n", st.Conversations, st.Messages, st.UsageHours)
		if top := st.TopTopics(topTopics); len(top) > 0 {
			a.println("Sujets fréquents :")
			for _, t := range top {
				a.printf("  %s (%d)\n", t.Name, t.Count)
			}
		}
	case "6":
		prompts, err := a.conversations.Prompts(ctx)
		if err != nil {
			return err
		}
		if len(prompts) == 0 {
			a.println("Aucune personnalisation.")
		}
		for _, p := range prompts {
			a.printf("#%d %s (v%d)\n", p.ID, p.Name, p.Version)
		}
	case "0":
		a.closeSession(ctx)
		a.println("Déconnecté.")
	default:
		a.println("Choix invalide.")
	}
	return nil
}

func (a *App) search(ctx context.Context, userID int64) error {
	keyword, err := a.readLine("Mot-clé (vide pour ignorer) : ")
	if err != nil {
		return err
	}
	rawDate, err := a.readLine("Date AAAA-MM-JJ (vide pour ignorer) : ")
	if err != nil {
		return err
	}
	c := conversation.Criteria{Keyword: keyword}
	if rawDate != "" {
		day, err := time.Parse("2006-01-02", rawDate)
		if err != nil {
			return apperr.Validation("date must look like 2024-03-31")
		}
		c.Date = &day
	}
	convs, err := a.conversations.Search(ctx, userID, c)
	if err != nil {
		return err
	}
	a.printConversations(convs)
	return nil
}

func (a *App) conversationView(ctx context.Context) error {
	conv, err := a.conversations.Get(ctx, a.current)
	if err != nil {
		a.current = 0
		a.view = viewMain
		return err
	}

	choice, err := a.menu(fmt.Sprintf("Conversation #%d : %s", conv.ID, conv.Title), []string{
		"1. Afficher les messages",
		"2. Envoyer un message",
		"3. Renommer",
		"4. Participants",
		"5. Ajouter un participant",
		"6. Retirer un participant",
		"7. Personnalisation",
		"8. Exporter",
		"9. Supprimer",
		"0. Retour",
	})
	if err != nil {
		return err
	}
	userID := a.session.User.ID

	switch choice {
	case "1":
		page, err := a.readID("Page (1 = la plus ancienne) : ")
		if err != nil {
			return err
		}
		feed, err := a.conversations.ReadFeed(ctx, conv.ID, int(page-1)*feedPageSize, feedPageSize)
		if err != nil {
			return err
		}
		if len(feed) == 0 {
			a.println("Aucun message.")
		}
		for _, e := range feed {
			a.printf("[%s] %s : %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04"), author(e), e.Content)
		}
	case "2":
		content, err := a.readLine("Vous : ")
		if err != nil {
			return err
		}
		res, err := a.conversations.SendMessage(ctx, conv.ID, userID, content, a.conversations.Params())
		if err != nil {
			return err
		}
		a.printf("ensaiGPT : %s\n", res.Answer.Content)
	case "3":
		title, err := a.readLine("Nouveau titre : ")
		if err != nil {
			return err
		}
		if err := a.conversations.Rename(ctx, conv.ID, title); err != nil {
			return err
		}
		a.println("Conversation renommée.")
	case "4":
		for _, p := range conv.Participants {
			a.printf("%s (%s) depuis le %s\n", p.Handle, p.Role, p.JoinedAt.Local().Format("2006-01-02"))
		}
	case "5":
		handle, err := a.readLine("Pseudo à ajouter : ")
		if err != nil {
			return err
		}
		if _, err := a.conversations.AddParticipant(ctx, conv.ID, handle, storage.ParticipantMember); err != nil {
			return err
		}
		a.printf("%s a rejoint la conversation.\n", handle)
	case "6":
		handle, err := a.readLine("Pseudo à retirer : ")
		if err != nil {
			return err
		}
		p, ok := findMember(conv.Participants, handle)
		if !ok {
			return apperr.NotFound("%s is not a participant", handle)
		}
		if err := a.conversations.RemoveParticipant(ctx, conv.ID, p.UserID); err != nil {
			return err
		}
		a.printf("%s a été retiré.\n", p.Handle)
		if p.UserID == userID {
			a.current = 0
			a.view = viewMain
		}
	case "7":
		ref, err := a.readLine("Personnalisation (nom ou id, vide pour retirer) : ")
		if err != nil {
			return err
		}
		if err := a.conversations.SetPersonalization(ctx, conv.ID, ref); err != nil {
			return err
		}
		a.println("Personnalisation mise à jour.")
	case "8":
		path, err := a.conversations.Export(ctx, conv.ID, a.exportDir)
		if err != nil {
			return err
		}
		a.printf("Conversation exportée dans %s\n", path)
	case "9":
		confirm, err := a.readLine("Confirmer la suppression (oui/non) : ")
		if err != nil {
			return err
		}
		if !strings.EqualFold(confirm, "oui") {
			return nil
		}
		if err := a.conversations.Delete(ctx, conv.ID); err != nil {
			return err
		}
		a.current = 0
		a.view = viewMain
		a.println("Conversation supprimée.")
	case "0":
		a.current = 0
		a.view = viewMain
	default:
		a.println("Choix invalide.")
	}
	return nil
}

func (a *App) printConversations(convs []storage.Conversation) {
	if len(convs) == 0 {
		a.println("Aucune conversation.")
		return
	}
	for _, c := range convs {
		a.printf("#%d %s (créée le %s)\n", c.ID, c.Title, c.CreatedAt.Local().Format("2006-01-02"))
	}
}

func author(e storage.Exchange) string {
	if e.Author != nil && *e.Author != "" {
		return *e.Author
	}
	if e.Role == storage.RoleAssistant {
		return "ensaiGPT"
	}
	return e.Role
}

func hasMember(members []storage.Participant, userID int64) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func findMember(members []storage.Participant, handle string) (storage.Participant, bool) {
	handle = strings.TrimSpace(handle)
	for _, m := range members {
		if strings.EqualFold(m.Handle, handle) {
			return m, true
		}
	}
	return storage.Participant{}, false
}
