package router

import (
	"fmt"
	"strings"

	"zapdesk/pkg/store"
)

// TerminateCommand ends the current department conversation.
const TerminateCommand = "0"

const (
	GoodbyeText       = "Atendimento encerrado. Obrigado por utilizar nossos serviços! 👋"
	OpenerText        = "Como posso ajudar você hoje?"
	MenuUnavailable   = "Desculpe, não foi possível carregar o menu de opções."
	InvalidOptionText = "Opção inválida. Por favor, escolha uma das opções abaixo:\n\n"

	welcomeHeader = "Olá! 👋 Bem-vindo ao nosso atendimento. Como posso ajudar você hoje?\n\nEscolha uma das opções abaixo:\n\n"
	welcomeFooter = "\n\nResponda com o número da opção desejada.\nDigite 0️⃣ a qualquer momento para encerrar o atendimento."
)

// WelcomeText renders the numbered menu. Indices are 1-based and follow
// the order of options.
func WelcomeText(options []*store.MenuOption) string {
	lines := make([]string, 0, len(options))
	for i, option := range options {
		lines = append(lines, fmt.Sprintf("%d️⃣ - %s", i+1, option.Title))
	}
	return welcomeHeader + strings.Join(lines, "\n") + welcomeFooter
}
